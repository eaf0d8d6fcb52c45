// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package stompserver

import (
	"context"
	"strconv"
	"sync"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vmware/stomp-conduit/log"
	"github.com/vmware/stomp-conduit/provider"
)

type SubscribeHandlerFunction func(conId string, subId string, destination string, frame *frame.Frame)

type UnsubscribeHandlerFunction func(conId string, subId string, destination string)

type StompServer interface {
	// starts the server and blocks until it is stopped
	Start() error
	// stops the server
	Stop()
	// publishes a message to a destination through the provider
	SendMessage(destination string, messageBody []byte) error
	// sends a message to the subscriptions a single client holds on destination
	SendMessageToClient(connectionId string, destination string, messageBody []byte)
	// registers a callback for stomp subscribe events
	OnSubscribeEvent(callback SubscribeHandlerFunction)
	// registers a callback for stomp unsubscribe events
	OnUnsubscribeEvent(callback UnsubscribeHandlerFunction)
	// SetConnectionEventCallback is used to set up a callback when certain STOMP session events happen
	// such as ConnectionStarting, ConnectionClosed, SubscribeToTopic, UnsubscribeFromTopic and IncomingMessage.
	SetConnectionEventCallback(connEventType StompSessionEventType, cb func(connEvent *ConnEvent))
}

type StompSessionEventType int

const (
	ConnectionStarting StompSessionEventType = iota
	ConnectionEstablished
	ConnectionClosed
	SubscribeToTopic
	UnsubscribeFromTopic
	IncomingMessage
)

type ConnEvent struct {
	ConnId      string
	eventType   StompSessionEventType
	conn        StompConn
	destination string
	sub         *subscription
	frame       *frame.Frame
}

func (e *ConnEvent) EventType() StompSessionEventType {
	return e.eventType
}

func (e *ConnEvent) Destination() string {
	return e.destination
}

// Frame returns the frame that caused the event, if any.
func (e *ConnEvent) Frame() *frame.Frame {
	return e.frame
}

type apiEventType int

const (
	closeServer apiEventType = iota
	sendPrivateMessage
)

type apiEvent struct {
	eventType   apiEventType
	connId      string
	frame       *frame.Frame
	destination string
}

type stompServer struct {
	connectionListener       RawConnectionListener
	connectionEvents         chan *ConnEvent
	connectionEventCallbacks map[StompSessionEventType]func(event *ConnEvent)
	apiEvents                chan *apiEvent
	lifecycleLock            sync.Mutex
	running                  bool
	done                     chan struct{}
	connectionsMap           map[string]StompConn
	config                   StompConfig
	provider                 provider.Provider
	serverConn               provider.Connection
	metrics                  *Metrics
	callbackLock             sync.RWMutex
	subscribeCallbacks       []SubscribeHandlerFunction
	unsubscribeCallbacks     []UnsubscribeHandlerFunction
}

// NewStompServer creates a server accepting connections from listener and
// backed by p. metrics may be nil.
func NewStompServer(listener RawConnectionListener, config StompConfig, p provider.Provider, metrics *Metrics) StompServer {
	if config == nil {
		config = DefaultStompConfig()
	}
	server := &stompServer{
		config:                   config,
		provider:                 p,
		metrics:                  metrics,
		connectionListener:       listener,
		apiEvents:                make(chan *apiEvent, 32),
		done:                     make(chan struct{}),
		connectionsMap:           make(map[string]StompConn),
		connectionEvents:         make(chan *ConnEvent, 64),
		connectionEventCallbacks: make(map[StompSessionEventType]func(event *ConnEvent)),
		subscribeCallbacks:       make([]SubscribeHandlerFunction, 0),
		unsubscribeCallbacks:     make([]UnsubscribeHandlerFunction, 0),
	}

	return server
}

func (s *stompServer) OnSubscribeEvent(callback SubscribeHandlerFunction) {
	s.callbackLock.Lock()
	defer s.callbackLock.Unlock()

	s.subscribeCallbacks = append(s.subscribeCallbacks, callback)
}

func (s *stompServer) OnUnsubscribeEvent(callback UnsubscribeHandlerFunction) {
	s.callbackLock.Lock()
	defer s.callbackLock.Unlock()

	s.unsubscribeCallbacks = append(s.unsubscribeCallbacks, callback)
}

func newMessageFrame(destination string, messageBody []byte) *frame.Frame {
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentLength, strconv.Itoa(len(messageBody)),
		frame.ContentType, "application/json;charset=UTF-8")

	f.Body = messageBody
	return f
}

func (s *stompServer) SendMessage(destination string, messageBody []byte) error {
	s.lifecycleLock.Lock()
	conn := s.serverConn
	s.lifecycleLock.Unlock()
	if conn == nil {
		return notConnectedStompError
	}
	return conn.Send(context.Background(), newMessageFrame(destination, messageBody))
}

func (s *stompServer) SendMessageToClient(connectionId string, destination string, messageBody []byte) {
	f := newMessageFrame(destination, messageBody)
	f.Command = frame.MESSAGE

	select {
	case s.apiEvents <- &apiEvent{
		eventType:   sendPrivateMessage,
		destination: destination,
		frame:       f,
		connId:      connectionId,
	}:
	case <-s.done:
	}
}

func (s *stompServer) SetConnectionEventCallback(connEventType StompSessionEventType, cb func(connEvent *ConnEvent)) {
	s.callbackLock.Lock()
	defer s.callbackLock.Unlock()
	s.connectionEventCallbacks[connEventType] = cb
}

// Start opens the server's own provider connection, accepts client
// connections and runs the event loop until Stop is called.
func (s *stompServer) Start() error {
	s.lifecycleLock.Lock()
	if s.running {
		s.lifecycleLock.Unlock()
		return nil
	}
	conn, err := s.provider.Connect(context.Background(), "server-"+uuid.New().String(),
		&frame.Header{}, provider.DiscardSink)
	if err != nil {
		s.lifecycleLock.Unlock()
		return err
	}
	s.serverConn = conn
	s.running = true
	s.lifecycleLock.Unlock()

	go s.waitForConnections()
	s.run()
	return nil
}

func (s *stompServer) Stop() {
	s.lifecycleLock.Lock()
	defer s.lifecycleLock.Unlock()
	if s.running {
		s.running = false
		s.apiEvents <- &apiEvent{
			eventType: closeServer,
		}
	}
}

// emitConnEvent hands e to the run loop. Events raised after the server
// stopped are dropped.
func (s *stompServer) emitConnEvent(e *ConnEvent) {
	select {
	case s.connectionEvents <- e:
	case <-s.done:
	}
}

func (s *stompServer) waitForConnections() {
	for {
		rawConn, err := s.connectionListener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			log.Log.Warnf("Failed to establish client connection: %v", err)
			continue
		}

		c := NewStompConn(rawConn, s.config, s.provider, s.metrics, s.emitConnEvent)
		s.emitConnEvent(&ConnEvent{
			ConnId:    c.GetId(),
			conn:      c,
			eventType: ConnectionStarting,
		})
	}
}

func (s *stompServer) run() {
	for {
		select {

		case apiEvent := <-s.apiEvents:
			if apiEvent.eventType == closeServer {
				s.shutdown()
				return
			} else if apiEvent.eventType == sendPrivateMessage {
				s.sendFrameToClient(apiEvent.connId, apiEvent.destination, apiEvent.frame)
			}

		case e := <-s.connectionEvents:
			s.handleConnectionEvent(e)
		}
	}
}

func (s *stompServer) shutdown() {
	close(s.done)
	s.connectionListener.Close()
	// close all open connections
	for _, c := range s.connectionsMap {
		c.Close()
	}
	for _, c := range s.connectionsMap {
		<-c.Done()
	}
	s.connectionsMap = make(map[string]StompConn)

	s.lifecycleLock.Lock()
	conn := s.serverConn
	s.serverConn = nil
	s.lifecycleLock.Unlock()
	if conn != nil {
		if err := conn.Disconnect(context.Background()); err != nil {
			log.Log.Warnf("server provider connection disconnect failed: %v", err)
		}
	}
	log.Log.Info("stomp server stopped")
}

func (s *stompServer) handleConnectionEvent(e *ConnEvent) {

	s.callbackLock.RLock()
	defer s.callbackLock.RUnlock()

	switch e.eventType {
	case ConnectionStarting:
		select {
		case <-e.conn.Done():
			// already closed, its ConnectionClosed event came first
			return
		default:
		}
		s.connectionsMap[e.ConnId] = e.conn
		log.Log.Fields(logrus.Fields{"conn": e.ConnId}).Debug("connection accepted")

	case ConnectionClosed:
		delete(s.connectionsMap, e.ConnId)
		if e.conn == nil {
			break
		}
		cctx := e.conn.Context()
		cctx.lock.Lock()
		subs := make([]*subscription, 0, len(cctx.subscriptions))
		for _, sub := range cctx.subscriptions {
			subs = append(subs, sub)
		}
		cctx.lock.Unlock()
		for _, sub := range subs {
			for _, callback := range s.unsubscribeCallbacks {
				callback(e.ConnId, sub.id, sub.destination)
			}
		}

	case SubscribeToTopic:
		// notify listeners
		for _, callback := range s.subscribeCallbacks {
			callback(e.ConnId, e.sub.id, e.destination, e.frame)
		}

	case UnsubscribeFromTopic:
		// notify listeners
		for _, callback := range s.unsubscribeCallbacks {
			callback(e.ConnId, e.sub.id, e.destination)
		}
	}

	if fn, exists := s.connectionEventCallbacks[e.eventType]; exists {
		fn(e)
	}
}

func (s *stompServer) sendFrameToClient(conId string, dest string, f *frame.Frame) {
	conn, ok := s.connectionsMap[conId]
	if !ok {
		return
	}
	cctx := conn.Context()
	cctx.lock.Lock()
	var subs []string
	for id, sub := range cctx.subscriptions {
		if sub.destination == dest {
			subs = append(subs, id)
		}
	}
	cctx.lock.Unlock()

	for _, id := range subs {
		if err := conn.Pipeline().Write(&messageDelivery{subscriptionID: id, msg: f.Clone()}); err != nil {
			log.Log.Fields(logrus.Fields{"conn": conId}).Debugf("private message dropped: %v", err)
		}
	}
}
