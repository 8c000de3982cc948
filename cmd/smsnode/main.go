// Command smsnode runs the SMS overlay messaging node and offers codec tools
// for inspecting protocol units on the command line.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ZentaChain/zentalk-sms/pkg/config"
)

var (
	version    = "1.0.0"
	configPath string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "smsnode",
		Short:         "SMS overlay messaging node",
		Long:          "smsnode carries replies, edits, deletes and long messages over plain SMS by prefixing each unit with a compact header.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(serveCmd())
	root.AddCommand(encodeCmd())
	root.AddCommand(decodeCmd())
	root.AddCommand(planCmd())

	return root
}

// setupLogging configures the standard logrus logger
func setupLogging(cfg config.LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return nil
}
