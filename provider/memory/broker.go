// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

// Package memory is an in-process STOMP provider: destinations are routed in
// memory, subscriptions may use glob patterns, and transactional sends and
// acknowledgements are buffered until their transaction commits.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vmware/stomp-conduit/log"
	"github.com/vmware/stomp-conduit/provider"
)

var (
	_ provider.Provider           = (*Broker)(nil)
	_ provider.TransactionManager = (*TransactionManager)(nil)
	_ provider.Connection         = (*brokerConnection)(nil)
	_ provider.Acknowledger       = (*delivery)(nil)
)

// Stats counts broker activity.
type Stats struct {
	Routed    uint64
	Delivered uint64
	Acked     uint64
	Nacked    uint64
}

type subscription struct {
	id          string
	destination string
	matcher     glob.Glob
	mode        provider.AckMode
	conn        *brokerConnection
}

type connSubscriptions struct {
	conn          *brokerConnection
	subscriptions map[string]*subscription
}

func newConnSubscriptions(conn *brokerConnection) *connSubscriptions {
	return &connSubscriptions{
		conn:          conn,
		subscriptions: make(map[string]*subscription),
	}
}

// Broker is the in-memory provider.Provider.
type Broker struct {
	tm *TransactionManager

	lock sync.RWMutex
	// destination pattern -> connection id -> subscriptions
	subscriptionsMap map[string]map[string]*connSubscriptions
	matchers         map[string]glob.Glob
	connections      map[string]*brokerConnection

	routed    uint64
	delivered uint64
	acked     uint64
	nacked    uint64
}

func NewBroker(tm *TransactionManager) *Broker {
	if tm == nil {
		tm = NewTransactionManager(0)
	}
	return &Broker{
		tm:               tm,
		subscriptionsMap: make(map[string]map[string]*connSubscriptions),
		matchers:         make(map[string]glob.Glob),
		connections:      make(map[string]*brokerConnection),
	}
}

func (b *Broker) TransactionManager() provider.TransactionManager {
	return b.tm
}

func (b *Broker) Stats() Stats {
	return Stats{
		Routed:    atomic.LoadUint64(&b.routed),
		Delivered: atomic.LoadUint64(&b.delivered),
		Acked:     atomic.LoadUint64(&b.acked),
		Nacked:    atomic.LoadUint64(&b.nacked),
	}
}

// Connections returns the number of connected clients.
func (b *Broker) Connections() int {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return len(b.connections)
}

func (b *Broker) Connect(ctx context.Context, connectionID string, headers *frame.Header, sink provider.MessageSink) (provider.Connection, error) {
	if sink == nil {
		return nil, fmt.Errorf("memory: connection %s has no message sink", connectionID)
	}

	b.lock.Lock()
	defer b.lock.Unlock()
	if _, exists := b.connections[connectionID]; exists {
		return nil, fmt.Errorf("memory: connection %s already connected", connectionID)
	}
	c := &brokerConnection{id: connectionID, broker: b, sink: sink}
	b.connections[connectionID] = c
	return c, nil
}

func (b *Broker) matcher(pattern string) (glob.Glob, error) {
	if g, ok := b.matchers[pattern]; ok {
		return g, nil
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, err
	}
	b.matchers[pattern] = g
	return g, nil
}

func (b *Broker) subscribe(c *brokerConnection, subID string, destination string, mode provider.AckMode) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	g, err := b.matcher(destination)
	if err != nil {
		return fmt.Errorf("memory: invalid destination pattern %q: %v", destination, err)
	}

	subsMap, ok := b.subscriptionsMap[destination]
	if !ok {
		subsMap = make(map[string]*connSubscriptions)
		b.subscriptionsMap[destination] = subsMap
	}
	conSub, ok := subsMap[c.id]
	if !ok {
		conSub = newConnSubscriptions(c)
		subsMap[c.id] = conSub
	}
	conSub.subscriptions[subID] = &subscription{
		id:          subID,
		destination: destination,
		matcher:     g,
		mode:        mode,
		conn:        c,
	}
	return nil
}

func (b *Broker) unsubscribe(c *brokerConnection, subID string) {
	b.lock.Lock()
	defer b.lock.Unlock()

	for destination, subsMap := range b.subscriptionsMap {
		conSub, ok := subsMap[c.id]
		if !ok {
			continue
		}
		delete(conSub.subscriptions, subID)
		if len(conSub.subscriptions) == 0 {
			delete(subsMap, c.id)
		}
		if len(subsMap) == 0 {
			delete(b.subscriptionsMap, destination)
			delete(b.matchers, destination)
		}
	}
}

func (b *Broker) disconnect(c *brokerConnection) {
	b.lock.Lock()
	defer b.lock.Unlock()

	delete(b.connections, c.id)
	for destination, subsMap := range b.subscriptionsMap {
		delete(subsMap, c.id)
		if len(subsMap) == 0 {
			delete(b.subscriptionsMap, destination)
			delete(b.matchers, destination)
		}
	}
}

// route delivers a copy of msg to every subscription whose pattern matches
// its destination.
func (b *Broker) route(msg *frame.Frame) {
	destination := msg.Header.Get(frame.Destination)
	msg.Command = frame.MESSAGE
	msg.Header.Set(frame.MessageId, uuid.New().String())
	msg.Header.Set(frame.ContentLength, strconv.Itoa(len(msg.Body)))
	atomic.AddUint64(&b.routed, 1)

	var targets []*subscription
	b.lock.RLock()
	for _, subsMap := range b.subscriptionsMap {
		for _, conSub := range subsMap {
			for _, sub := range conSub.subscriptions {
				if sub.matcher.Match(destination) {
					targets = append(targets, sub)
				}
			}
		}
	}
	b.lock.RUnlock()

	for _, sub := range targets {
		var ack provider.Acknowledger
		if sub.mode != provider.AckAuto {
			ack = &delivery{broker: b, messageID: msg.Header.Get(frame.MessageId)}
		}
		if err := sub.conn.sink.Deliver(sub.id, msg.Clone(), ack); err != nil {
			log.Log.Fields(logrus.Fields{
				"conn":        sub.conn.id,
				"destination": destination,
			}).Warnf("delivery failed: %v", err)
			continue
		}
		atomic.AddUint64(&b.delivered, 1)
	}
}

type brokerConnection struct {
	id     string
	broker *Broker
	sink   provider.MessageSink
}

func (c *brokerConnection) ID() string {
	return c.id
}

func (c *brokerConnection) Send(ctx context.Context, msg *frame.Frame) error {
	if _, ok := msg.Header.Contains(frame.Destination); !ok {
		return fmt.Errorf("memory: message has no destination")
	}

	current := provider.CurrentTransaction(ctx)
	if current == nil {
		c.broker.route(msg)
		return nil
	}

	tx, ok := current.(*Transaction)
	if !ok {
		return fmt.Errorf("%w: foreign transaction %s", provider.ErrSystem, current.ID())
	}
	pending := msg.Clone()
	return tx.Enlist(Work{Commit: func() error {
		c.broker.route(pending)
		return nil
	}})
}

func (c *brokerConnection) Subscribe(ctx context.Context, subscriptionID string, destination string, mode provider.AckMode, headers *frame.Header) error {
	return c.broker.subscribe(c, subscriptionID, destination, mode)
}

func (c *brokerConnection) Unsubscribe(ctx context.Context, subscriptionID string) error {
	c.broker.unsubscribe(c, subscriptionID)
	return nil
}

func (c *brokerConnection) Disconnect(ctx context.Context) error {
	c.broker.disconnect(c)
	return nil
}

// delivery acknowledges one delivered message. An acknowledgement made inside a
// transaction only settles when the transaction commits; after a rollback the
// message may be acknowledged again.
type delivery struct {
	broker    *Broker
	messageID string
	lock      sync.Mutex
	settled   bool
}

func (d *delivery) settle(ack bool) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.settled {
		return fmt.Errorf("memory: message %s already acknowledged", d.messageID)
	}
	d.settled = true
	if ack {
		atomic.AddUint64(&d.broker.acked, 1)
	} else {
		atomic.AddUint64(&d.broker.nacked, 1)
	}
	return nil
}

func (d *delivery) acknowledge(ctx context.Context, ack bool) error {
	current := provider.CurrentTransaction(ctx)
	if current == nil {
		return d.settle(ack)
	}
	tx, ok := current.(*Transaction)
	if !ok {
		return fmt.Errorf("%w: foreign transaction %s", provider.ErrSystem, current.ID())
	}
	return tx.Enlist(Work{Commit: func() error { return d.settle(ack) }})
}

func (d *delivery) Ack(ctx context.Context) error {
	return d.acknowledge(ctx, true)
}

func (d *delivery) Nack(ctx context.Context) error {
	return d.acknowledge(ctx, false)
}
