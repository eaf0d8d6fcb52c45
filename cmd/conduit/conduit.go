// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/vmware/stomp-conduit/log"
	"github.com/vmware/stomp-conduit/provider"
	amqpprovider "github.com/vmware/stomp-conduit/provider/amqp"
	"github.com/vmware/stomp-conduit/provider/memory"
	"github.com/vmware/stomp-conduit/stompserver"
)

type conduit struct {
	config       *ConduitConfig
	registry     *prometheus.Registry
	provider     provider.Provider
	stopProvider func()
	listeners    []stompserver.RawConnectionListener
	servers      []stompserver.StompServer
	admin        *http.Server
}

// newProvider builds the provider named by cfg.Type along with a function
// releasing it.
func newProvider(cfg ProviderConfig) (provider.Provider, func(), error) {
	switch cfg.Type {
	case "", providerMemory:
		tm := memory.NewTransactionManager(cfg.IdleTimeout)
		if err := tm.StartReaper(cfg.ReapInterval); err != nil {
			return nil, nil, err
		}
		return memory.NewBroker(tm), tm.StopReaper, nil
	case providerAMQP:
		p, err := amqpprovider.Dial(cfg.AMQP)
		if err != nil {
			return nil, nil, fmt.Errorf("amqp provider: %w", err)
		}
		return p, func() {
			if err := p.Close(); err != nil {
				log.Log.Warnf("amqp provider close failed: %v", err)
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown provider type %q", cfg.Type)
}

func newConduit(cfg *ConduitConfig) (*conduit, error) {
	stompConfig, err := stompserver.NewStompConfig(cfg.Server)
	if err != nil {
		return nil, err
	}

	c := &conduit{config: cfg, registry: prometheus.NewRegistry()}
	metrics, err := stompserver.NewMetrics(c.registry)
	if err != nil {
		return nil, err
	}

	c.provider, c.stopProvider, err = newProvider(cfg.Provider)
	if err != nil {
		return nil, err
	}

	tcpListener, err := stompserver.NewTcpConnectionListener(hostPort(cfg.Host, cfg.Port))
	if err != nil {
		c.release()
		return nil, err
	}
	c.listeners = append(c.listeners, tcpListener)

	if cfg.WebSocketPort > 0 {
		wsListener, err := stompserver.NewWebSocketConnectionListener(
			hostPort(cfg.Host, cfg.WebSocketPort), stompConfig.WebSocketEndpoint(), stompConfig.AllowedOrigins())
		if err != nil {
			c.release()
			return nil, err
		}
		c.listeners = append(c.listeners, wsListener)
	}

	if cfg.AdminPort > 0 {
		accessLog, err := log.OpenLogTarget(cfg.Log.Root, cfg.AccessLog)
		if err != nil {
			c.release()
			return nil, err
		}
		c.admin = &http.Server{
			Addr:    hostPort("", cfg.AdminPort),
			Handler: newAdminHandler(c.registry, accessLog),
		}
	}

	for _, l := range c.listeners {
		c.servers = append(c.servers, stompserver.NewStompServer(l, stompConfig, c.provider, metrics))
	}
	return c, nil
}

func hostPort(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}

// release closes what newConduit acquired before any server started.
func (c *conduit) release() {
	for _, l := range c.listeners {
		l.Close()
	}
	c.stopProvider()
}

// run starts every server and blocks until a signal arrives on sig or a
// server fails.
func (c *conduit) run(sig <-chan os.Signal) error {
	stopped := make(chan error, len(c.servers))
	for _, s := range c.servers {
		go func(s stompserver.StompServer) {
			stopped <- s.Start()
		}(s)
	}

	adminErr := make(chan error, 1)
	if c.admin != nil {
		go func() {
			log.Log.Infof("Starting admin HTTP server at %s", c.admin.Addr)
			if err := c.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				adminErr <- err
			}
		}()
	}

	running := len(c.servers)
	var err error
	select {
	case s := <-sig:
		log.Log.Fields(logrus.Fields{"signal": s.String()}).Info("Server shutting down")
	case err = <-stopped:
		running--
		log.Log.Errorf("STOMP server failed: %v", err)
	case err = <-adminErr:
		log.Log.Errorf("admin HTTP server failed: %v", err)
	}
	c.stop(stopped, running)
	return err
}

func (c *conduit) stop(stopped <-chan error, running int) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.ShutdownTimeout)
	defer cancel()

	if c.admin != nil {
		if err := c.admin.Shutdown(ctx); err != nil {
			log.Log.Error(err)
		}
	}

	for _, s := range c.servers {
		s.Stop()
	}
wait:
	for ; running > 0; running-- {
		select {
		case <-stopped:
		case <-ctx.Done():
			log.Log.Warnf("%d STOMP server(s) did not stop within %s", running, c.config.ShutdownTimeout)
			break wait
		}
	}
	c.stopProvider()
}
