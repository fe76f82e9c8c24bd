package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode        string        `mapstructure:"mode"`
	ControlPort int           `mapstructure:"control_port"`
	SignalURL   string        `mapstructure:"signal_url"`
	APIBaseURL  string        `mapstructure:"api_base_url"`
	AccessToken string        `mapstructure:"access_token"`
	UserID      string        `mapstructure:"user_id"`
	Username    string        `mapstructure:"username"`
	PingPeriod  time.Duration `mapstructure:"ping_period"`
	PongTimeout time.Duration `mapstructure:"pong_timeout"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`

	ReconnectInitial time.Duration `mapstructure:"reconnect_initial"`
	ReconnectCeiling time.Duration `mapstructure:"reconnect_ceiling"`
	ReconnectMax     int           `mapstructure:"reconnect_max"`

	JoinWaitTimeout time.Duration `mapstructure:"join_wait_timeout"`
	STUNServers     []string      `mapstructure:"stun_servers"`
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
	v.SetDefault("control_port", 8090)
	v.SetDefault("signal_url", "ws://localhost:8000/ws/signal/")
	v.SetDefault("api_base_url", "http://localhost:8000/api")
	v.SetDefault("ping_period", "30s")
	v.SetDefault("pong_timeout", "10s")
	v.SetDefault("dial_timeout", "10s")
	v.SetDefault("reconnect_initial", "1s")
	v.SetDefault("reconnect_ceiling", "10s")
	v.SetDefault("reconnect_max", 8)
	v.SetDefault("join_wait_timeout", "10s")
	v.SetDefault("stun_servers", []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	})

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
