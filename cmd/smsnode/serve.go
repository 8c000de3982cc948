package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ZentaChain/zentalk-sms/pkg/api"
	"github.com/ZentaChain/zentalk-sms/pkg/config"
	"github.com/ZentaChain/zentalk-sms/pkg/dispatch"
	"github.com/ZentaChain/zentalk-sms/pkg/storage"
	"github.com/ZentaChain/zentalk-sms/pkg/transport"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the node: store, phone bridge, dispatcher and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := setupLogging(cfg.Log); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runNode(ctx, cfg)
		},
	}
}

// linkStatus reports the bridge link, or down when there is no bridge
type linkStatus struct {
	bridge *transport.Bridge
}

func (l linkStatus) Connected() bool {
	return l.bridge != nil && l.bridge.Connected()
}

func runNode(ctx context.Context, cfg *config.Config) error {
	printBanner()

	if dir := filepath.Dir(cfg.Storage.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := storage.NewMessageDB(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logrus.WithField("error", err.Error()).Error("Error closing message database")
		} else {
			fmt.Println("✓ Message database closed")
		}
	}()
	fmt.Printf("✓ Message database opened at %s\n", cfg.Storage.DBPath)

	var payloads *storage.PayloadStore
	if cfg.Storage.PayloadDir != "" {
		payloads, err = storage.NewPayloadStore(cfg.Storage.PayloadDir)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Voice payloads stored in %s\n", payloads.Dir())
	}

	var (
		tr     transport.Transport
		bridge *transport.Bridge
		sinkOf func(transport.EventSink)
	)
	if cfg.Bridge.URL != "" {
		bridge = transport.NewBridge(transport.BridgeConfig{
			URL:        cfg.Bridge.URL,
			Token:      cfg.Bridge.Token,
			MinBackoff: cfg.Bridge.MinBackoff,
			MaxBackoff: cfg.Bridge.MaxBackoff,
		}, nil)
		tr, sinkOf = bridge, bridge.SetSink
	} else {
		lb := transport.NewLoopback("local")
		tr, sinkOf = lb, lb.SetSink
		logrus.WithField("function", "runNode").Warn("No bridge URL configured, units will not leave this node")
	}

	dispatcher := dispatch.New(dispatch.Config{
		UnitBudget:    cfg.Protocol.UnitBudget,
		FragmentDelay: cfg.Protocol.FragmentDelay,
		StaleAfter:    cfg.Protocol.StaleAfter,
		HandleTTL:     cfg.Protocol.HandleTTL,
	}, db, payloads, tr, nil)
	sinkOf(dispatcher)

	apiConfig := api.DefaultConfig()
	apiConfig.Host = cfg.API.Host
	apiConfig.Port = cfg.API.Port
	apiConfig.EnableCORS = len(cfg.API.CORSOrigins) > 0
	apiConfig.CORSOrigins = cfg.API.CORSOrigins
	apiConfig.RateLimit = cfg.API.RateLimit
	apiConfig.APIKeyHash = cfg.API.APIKeyHash

	var link api.LinkStatus
	if bridge != nil {
		link = linkStatus{bridge: bridge}
	}
	server := api.NewServer(dispatcher, db, link, apiConfig)

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if bridge != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bridge.Run(runCtx); err != nil {
				logrus.WithField("error", err.Error()).Error("SMS bridge stopped")
			}
		}()
		fmt.Printf("✓ Connecting to SMS bridge at %s\n", cfg.Bridge.URL)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.RunSweeper(runCtx, cfg.Protocol.SweepInterval)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(runCtx); err != nil {
			errCh <- err
			cancel()
		}
	}()

	printStatus(cfg)

	<-runCtx.Done()

	fmt.Println()
	fmt.Println("Shutting down gracefully...")
	cancel()
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
	}

	fmt.Println("✓ Node stopped")
	fmt.Println("Goodbye! 👋")
	return nil
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║            Zentalk SMS Overlay Node v1.0          ║")
	fmt.Println("║   Replies, edits and long messages over plain SMS ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

func printStatus(cfg *config.Config) {
	fmt.Println()
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("🚀 SMS Node Status")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("   API: http://%s:%d\n", cfg.API.Host, cfg.API.Port)
	fmt.Printf("   Unit budget: %d characters\n", cfg.Protocol.UnitBudget)
	fmt.Printf("   Fragment delay: %s\n", cfg.Protocol.FragmentDelay)
	fmt.Printf("   Stale fragments dropped after: %s\n", cfg.Protocol.StaleAfter)
	if cfg.Bridge.URL != "" {
		fmt.Printf("   Bridge: %s\n", cfg.Bridge.URL)
	} else {
		fmt.Printf("   Bridge: ⚠️  NONE (local loopback)\n")
	}
	if cfg.API.APIKeyHash != "" {
		fmt.Printf("   API auth: ✅ ENABLED\n")
	} else {
		fmt.Printf("   API auth: ⚠️  DISABLED\n")
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()
}
