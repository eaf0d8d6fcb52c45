// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package stompserver

import (
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var errListenerClosed = errors.New("connection listener closed")

// webSocketStompConnection carries STOMP frames in RFC 6455 text messages.
type webSocketStompConnection struct {
	wsCon *websocket.Conn
	r     io.Reader
	rio   sync.Mutex
	wio   sync.Mutex
}

func (c *webSocketStompConnection) framed() {}

func (c *webSocketStompConnection) Read(p []byte) (int, error) {
	c.rio.Lock()
	defer c.rio.Unlock()
	for {
		if c.r == nil {
			var err error
			_, c.r, err = c.wsCon.NextReader()
			if err != nil {
				return 0, err
			}
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *webSocketStompConnection) Write(p []byte) (int, error) {
	c.wio.Lock()
	defer c.wio.Unlock()
	if err := c.wsCon.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *webSocketStompConnection) SetReadDeadline(t time.Time) error {
	return c.wsCon.SetReadDeadline(t)
}

func (c *webSocketStompConnection) RemoteAddr() net.Addr {
	return c.wsCon.RemoteAddr()
}

func (c *webSocketStompConnection) Close() error {
	return c.wsCon.Close()
}

type webSocketConnectionListener struct {
	httpServer            *http.Server
	tcpConnectionListener net.Listener
	connectionsChannel    chan rawConnResult
	allowedOrigins        []string
	done                  chan struct{}
	closeOnce             sync.Once
}

type rawConnResult struct {
	conn RawConnection
	err  error
}

// NewWebSocketConnectionListener serves RFC 6455 WebSocket upgrades on
// endpoint. Each accepted WebSocket is one STOMP connection.
func NewWebSocketConnectionListener(addr string, endpoint string, allowedOrigins []string) (RawConnectionListener, error) {
	router := mux.NewRouter()
	l := &webSocketConnectionListener{
		httpServer: &http.Server{
			Addr:    addr,
			Handler: router,
		},
		connectionsChannel: make(chan rawConnResult),
		allowedOrigins:     allowedOrigins,
		done:               make(chan struct{}),
	}

	var upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Subprotocols:    stompSubProtocols,
	}

	upgrader.CheckOrigin = l.checkOrigin

	router.HandleFunc(endpoint, func(writer http.ResponseWriter, request *http.Request) {
		var result rawConnResult
		conn, err := upgrader.Upgrade(writer, request, nil)
		if err != nil {
			result.err = err
		} else {
			result.conn = &webSocketStompConnection{wsCon: conn}
		}
		select {
		case l.connectionsChannel <- result:
		case <-l.done:
			if conn != nil {
				conn.Close()
			}
		}
	})

	var err error
	l.tcpConnectionListener, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	go l.httpServer.Serve(l.tcpConnectionListener)
	return l, nil
}

func (l *webSocketConnectionListener) checkOrigin(r *http.Request) bool {
	return originAllowed(r.Header.Get("Origin"), r.Host, l.allowedOrigins)
}

// Addr returns the address the listener is bound to.
func (l *webSocketConnectionListener) Addr() net.Addr {
	return l.tcpConnectionListener.Addr()
}

func (l *webSocketConnectionListener) Accept() (RawConnection, error) {
	select {
	case cr := <-l.connectionsChannel:
		return cr.conn, cr.err
	case <-l.done:
		return nil, errListenerClosed
	}
}

func (l *webSocketConnectionListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.httpServer.Close()
	})
	return err
}
