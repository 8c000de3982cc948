package config

import (
	"time"

	"github.com/ZentaChain/zentalk-sms/pkg/protocol"
)

func Defaults() *Config {
	return &Config{
		Protocol: ProtocolConfig{
			UnitBudget:    protocol.DefaultUnitBudget,
			FragmentDelay: 300 * time.Millisecond,
			StaleAfter:    5 * time.Minute,
			SweepInterval: time.Minute,
			HandleTTL:     24 * time.Hour,
		},
		Storage: StorageConfig{
			DBPath:     "./data/messages.db",
			PayloadDir: "./data/audio",
		},
		API: APIConfig{
			Host:        "127.0.0.1",
			Port:        8090,
			CORSOrigins: []string{"*"},
			RateLimit:   120,
		},
		Bridge: BridgeConfig{
			MinBackoff: time.Second,
			MaxBackoff: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
