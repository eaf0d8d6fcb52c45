// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package stompserver

import (
	"fmt"
	"time"

	"github.com/gobwas/glob"
)

const (
	DefaultMaxDetectBytes    = 8 * 1024
	DefaultMaxFrameSize      = 1024 * 1024
	DefaultWebSocketEndpoint = "/stomp"
)

type StompConfig interface {
	// HeartBeat is the minimum heart-beat interval in milliseconds, 0 for none.
	HeartBeat() int64
	// MaxDetectBytes caps how much input transport detection buffers while
	// waiting for the first newline.
	MaxDetectBytes() int
	// MaxFrameSize caps one STOMP frame and one WebSocket frame payload.
	MaxFrameSize() int
	// SendOffload moves SEND handling to a per-connection serial executor.
	SendOffload() bool
	AllowedOrigins() []string
	WebSocketEndpoint() string
	// IsSendDestinationAllowed reports whether clients may SEND to destination.
	IsSendDestinationAllowed(destination string) bool
}

// ServerOptions is the decoded form of the server section of the config file.
type ServerOptions struct {
	HeartBeat         time.Duration `mapstructure:"heart_beat"`
	MaxDetectBytes    int           `mapstructure:"max_detect_bytes"`
	MaxFrameSize      int           `mapstructure:"max_frame_size"`
	SendOffload       bool          `mapstructure:"send_offload"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
	WebSocketEndpoint string        `mapstructure:"websocket_endpoint"`
	// SendDestinations are glob patterns ('/' separated). Empty allows any destination.
	SendDestinations []string `mapstructure:"send_destinations"`
}

type stompConfig struct {
	heartbeat         int64
	maxDetectBytes    int
	maxFrameSize      int
	sendOffload       bool
	allowedOrigins    []string
	webSocketEndpoint string
	sendDestinations  []glob.Glob
}

func NewStompConfig(opts ServerOptions) (StompConfig, error) {
	c := &stompConfig{
		heartbeat:         int64(opts.HeartBeat / time.Millisecond),
		maxDetectBytes:    opts.MaxDetectBytes,
		maxFrameSize:      opts.MaxFrameSize,
		sendOffload:       opts.SendOffload,
		allowedOrigins:    opts.AllowedOrigins,
		webSocketEndpoint: opts.WebSocketEndpoint,
	}
	if c.maxDetectBytes <= 0 {
		c.maxDetectBytes = DefaultMaxDetectBytes
	}
	if c.maxFrameSize <= 0 {
		c.maxFrameSize = DefaultMaxFrameSize
	}
	if c.webSocketEndpoint == "" {
		c.webSocketEndpoint = DefaultWebSocketEndpoint
	}
	for _, pattern := range opts.SendDestinations {
		if pattern == "" {
			continue
		}
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid send destination pattern %q: %w", pattern, err)
		}
		c.sendDestinations = append(c.sendDestinations, g)
	}
	return c, nil
}

// DefaultStompConfig returns a configuration with every option at its default.
func DefaultStompConfig() StompConfig {
	c, _ := NewStompConfig(ServerOptions{})
	return c
}

func (c *stompConfig) HeartBeat() int64 {
	return c.heartbeat
}

func (c *stompConfig) MaxDetectBytes() int {
	return c.maxDetectBytes
}

func (c *stompConfig) MaxFrameSize() int {
	return c.maxFrameSize
}

func (c *stompConfig) SendOffload() bool {
	return c.sendOffload
}

func (c *stompConfig) AllowedOrigins() []string {
	return c.allowedOrigins
}

func (c *stompConfig) WebSocketEndpoint() string {
	return c.webSocketEndpoint
}

func (c *stompConfig) IsSendDestinationAllowed(destination string) bool {
	if len(c.sendDestinations) == 0 {
		return true
	}
	for _, g := range c.sendDestinations {
		if g.Match(destination) {
			return true
		}
	}
	return false
}
