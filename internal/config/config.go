package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	LogLevel    string `mapstructure:"log_level"`
	ServerURL   string `mapstructure:"server_url"`
	ControlAddr string `mapstructure:"control_addr"`
	StatePath   string `mapstructure:"state_path"`

	ICEServers []string `mapstructure:"ice_servers"`

	// Timing knobs for the resilience machinery.
	CandidatePacing   time.Duration `mapstructure:"candidate_pacing"`
	AuthSettleDelay   time.Duration `mapstructure:"auth_settle_delay"`
	MediaRestartDelay time.Duration `mapstructure:"media_restart_delay"`
	ReconnectMinDelay time.Duration `mapstructure:"reconnect_min_delay"`
	ReconnectMaxDelay time.Duration `mapstructure:"reconnect_max_delay"`
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

	v.SetDefault("log_level", "info")
	v.SetDefault("control_addr", "127.0.0.1:8090")
	v.SetDefault("state_path", "soundmesh_state.yaml")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("candidate_pacing", "100ms")
	v.SetDefault("auth_settle_delay", "500ms")
	v.SetDefault("media_restart_delay", "2s")
	v.SetDefault("reconnect_min_delay", "1s")
	v.SetDefault("reconnect_max_delay", "30s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
