// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package stompserver

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vmware/stomp-conduit/log"
	"github.com/vmware/stomp-conduit/pipeline"
	"github.com/vmware/stomp-conduit/provider"
)

const readBufferSize = 4096

type StompConn interface {
	// Return unique connection Id string
	GetId() string
	Context() *ConnectionContext
	Pipeline() *pipeline.Pipeline
	// Closes the connection. Only the first call has an effect.
	Close()
	// Done is closed once the connection's read loop has exited.
	Done() <-chan struct{}
}

type stompConn struct {
	rawConnection RawConnection
	id            string
	cctx          *ConnectionContext
	pipe          *pipeline.Pipeline
	metrics       *Metrics
	emit          func(e *ConnEvent)

	readTimeoutMs int64
	heartBeatStop chan struct{}
	heartBeatOnce sync.Once
	closeOnce     sync.Once
	done          chan struct{}
}

// NewStompConn wraps rawConnection in a pipeline and starts reading from it.
// Connections from listeners that already delimit messages go straight to the
// STOMP stages; everything else starts with transport detection.
func NewStompConn(rawConnection RawConnection, config StompConfig, p provider.Provider,
	metrics *Metrics, emit func(e *ConnEvent)) StompConn {

	if config == nil {
		config = DefaultStompConfig()
	}
	id := uuid.New().String()
	cctx := NewConnectionContext(id, config, p)
	cctx.metrics = metrics
	if addr := rawConnection.RemoteAddr(); addr != nil {
		cctx.remoteAddr = addr.String()
	}

	conn := &stompConn{
		rawConnection: rawConnection,
		id:            id,
		cctx:          cctx,
		metrics:       metrics,
		emit:          emit,
		heartBeatStop: make(chan struct{}),
		done:          make(chan struct{}),
	}
	cctx.onConnected = conn.onConnected
	cctx.onFailure = conn.fail
	if emit != nil {
		cctx.emit = func(e *ConnEvent) {
			e.conn = conn
			emit(e)
		}
	}

	opts := assemblyOptions(config)
	if _, ok := rawConnection.(framedConnection); ok {
		conn.pipe = pipeline.New(rawConnection, Assemble(TransportFrames, cctx, opts)...)
		cctx.setTransport(TransportFrames)
	} else {
		conn.pipe = pipeline.New(rawConnection, pipeline.Stage{
			Name:    ProtocolDetectorStage,
			Handler: NewProtocolDetector(cctx, opts),
		})
	}

	go conn.readInFrames()
	return conn
}

func (conn *stompConn) GetId() string {
	return conn.id
}

func (conn *stompConn) Context() *ConnectionContext {
	return conn.cctx
}

func (conn *stompConn) Pipeline() *pipeline.Pipeline {
	return conn.pipe
}

func (conn *stompConn) Done() <-chan struct{} {
	return conn.done
}

func (conn *stompConn) Close() {
	conn.closeOnce.Do(func() {
		conn.stopHeartBeat()
		conn.pipe.Close()
	})
}

func (conn *stompConn) logger() *logrus.Entry {
	return log.Log.Fields(logrus.Fields{"conn": conn.id, "remote": conn.cctx.RemoteAddr()})
}

// onConnected applies the negotiated heart-beat: readTimeout bounds every read,
// writeTimeout is the heart-beat interval.
func (conn *stompConn) onConnected(readTimeout, writeTimeout time.Duration) {
	atomic.StoreInt64(&conn.readTimeoutMs, int64(readTimeout/time.Millisecond))
	if writeTimeout > 0 {
		go conn.heartBeat(writeTimeout)
	}
}

func (conn *stompConn) heartBeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.pipe.Write(heartBeat{}); err != nil {
				return
			}
		case <-conn.heartBeatStop:
			return
		}
	}
}

func (conn *stompConn) stopHeartBeat() {
	conn.heartBeatOnce.Do(func() {
		close(conn.heartBeatStop)
	})
}

func (conn *stompConn) readInFrames() {
	defer conn.finish()

	infiniteTimeout := time.Time{}
	buf := make([]byte, readBufferSize)
	for {
		readTimeoutMs := atomic.LoadInt64(&conn.readTimeoutMs)
		if readTimeoutMs > 0 {
			conn.rawConnection.SetReadDeadline(time.Now().Add(
				time.Duration(readTimeoutMs) * time.Millisecond))
		} else {
			conn.rawConnection.SetReadDeadline(infiniteTimeout)
		}

		n, err := conn.rawConnection.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if ferr := conn.pipe.FireInbound(chunk); ferr != nil {
				conn.fail(ferr)
				return
			}
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) && !errors.Is(err, pipeline.ErrClosed) {
				conn.logger().Debugf("read failed: %v", err)
			}
			return
		}
	}
}

// fail reports err to the client and closes the connection. Connection fatal
// errors close without an ERROR frame.
func (conn *stompConn) fail(err error) {
	if errors.Is(err, pipeline.ErrClosed) {
		conn.Close()
		return
	}
	if isConnectionFatal(err) {
		conn.logger().Warnf("closing connection: %v", err)
	} else {
		conn.logger().Debugf("closing connection with ERROR frame: %v", err)
		conn.sendError(err)
	}
	conn.Close()
}

func (conn *stompConn) sendError(err error) {
	errorFrame := frame.New(frame.ERROR,
		frame.Message, err.Error())

	conn.pipe.Write(errorFrame)
}

func (conn *stompConn) finish() {
	conn.Close()
	conn.pipe.FireClosed()
	// release is a no-op when a close handler already ran it
	conn.cctx.release()

	if t, ok := conn.cctx.Transport(); ok {
		conn.metrics.connectionClosed(t)
	}
	close(conn.done)
	if conn.emit != nil {
		conn.emit(&ConnEvent{
			ConnId:    conn.id,
			eventType: ConnectionClosed,
			conn:      conn,
		})
	}
}
