// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/vmware/stomp-conduit/log"
	amqpprovider "github.com/vmware/stomp-conduit/provider/amqp"
	"github.com/vmware/stomp-conduit/stompserver"
)

const (
	defaultHost            = "localhost"
	defaultPort            = 61613
	defaultAdminPort       = 8080
	defaultShutdownTimeout = 30 * time.Second
	defaultReapInterval    = time.Minute

	providerMemory = "memory"
	providerAMQP   = "amqp"
)

// ConduitConfig is everything the start command needs to run a server.
type ConduitConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// WebSocketPort serves RFC 6455 clients on Server.WebSocketEndpoint. Zero disables it.
	WebSocketPort   int                       `mapstructure:"websocket_port"`
	AdminPort       int                       `mapstructure:"admin_port"`
	AccessLog       string                    `mapstructure:"access_log"`
	NoBanner        bool                      `mapstructure:"no_banner"`
	ShutdownTimeout time.Duration             `mapstructure:"shutdown_timeout"`
	Server          stompserver.ServerOptions `mapstructure:"server"`
	Provider        ProviderConfig            `mapstructure:"provider"`
	Log             log.LogConfig             `mapstructure:"log"`
}

type ProviderConfig struct {
	Type string `mapstructure:"type"`
	// IdleTimeout rolls back memory provider transactions left untouched this long. Zero disables it.
	IdleTimeout  time.Duration       `mapstructure:"idle_timeout"`
	ReapInterval time.Duration       `mapstructure:"reap_interval"`
	AMQP         amqpprovider.Config `mapstructure:"amqp"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("host", defaultHost)
	v.SetDefault("port", defaultPort)
	v.SetDefault("admin_port", defaultAdminPort)
	v.SetDefault("access_log", "stdout")
	v.SetDefault("shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.max_detect_bytes", stompserver.DefaultMaxDetectBytes)
	v.SetDefault("server.max_frame_size", stompserver.DefaultMaxFrameSize)
	v.SetDefault("server.websocket_endpoint", stompserver.DefaultWebSocketEndpoint)
	v.SetDefault("provider.type", providerMemory)
	v.SetDefault("provider.reap_interval", defaultReapInterval)
	v.SetDefault("provider.amqp.exchange", amqpprovider.DefaultExchange)
	v.SetDefault("log.output_log", "stdout")
	v.SetDefault("log.level", "info")

	v.SetEnvPrefix("conduit")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// loadConfig reads the config file at path over the defaults. An empty path
// yields the defaults plus CONDUIT_* environment overrides.
func loadConfig(path string) (*ConduitConfig, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := &ConduitConfig{}
	err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
