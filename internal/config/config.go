package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode          string        `mapstructure:"mode"`
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	BrainURL      string        `mapstructure:"brain_url"`
	ReadLimit     int64         `mapstructure:"read_limit"`
	SendBuffer    int           `mapstructure:"send_buffer"`
	PingPeriod    time.Duration `mapstructure:"ping_period"`
	OfferTimeout  time.Duration `mapstructure:"offer_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	BrainTimeout  time.Duration `mapstructure:"brain_timeout"`
	Secret        string        `mapstructure:"secret"`
	Advertise     bool          `mapstructure:"advertise"`
	ServiceName   string        `mapstructure:"service_name"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8765)
	v.SetDefault("brain_url", "ws://127.0.0.1:8900/ws")
	// File uploads ride the same socket base64-encoded, so the limit is
	// much higher than a chat relay would need.
	v.SetDefault("read_limit", 1<<24)
	v.SetDefault("send_buffer", 64)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("offer_timeout", "30s")
	v.SetDefault("sweep_interval", "5s")
	v.SetDefault("brain_timeout", "60s")
	v.SetDefault("advertise", false)
	v.SetDefault("service_name", "relay.local")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Brain: %s\n", cfg.Mode, cfg.Port, cfg.BrainURL)
	return &cfg, nil
}
