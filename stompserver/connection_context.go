// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package stompserver

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/sirupsen/logrus"
	"github.com/vmware/stomp-conduit/log"
	"github.com/vmware/stomp-conduit/provider"
)

const (
	connecting int32 = iota
	connected
	closed
)

type subscription struct {
	id          string
	destination string
	mode        provider.AckMode
}

type pendingAck struct {
	key            string
	subscriptionID string
	seq            uint64
	ack            provider.Acknowledger
}

// ConnectionContext is the state of one client connection shared by every
// stage of its pipeline. Stages keep a pointer to it; the connection owns it.
type ConnectionContext struct {
	id         string
	remoteAddr string
	config     StompConfig
	provider   provider.Provider
	metrics    *Metrics

	// uow carries the transaction resumed by a StompTransaction bracket.
	// bracket serializes those brackets.
	uow     *provider.UnitOfWork
	bracket sync.Mutex

	state     int32
	transport int32
	seq       uint64

	lock          sync.Mutex
	version       stomp.Version
	providerConn  provider.Connection
	subscriptions map[string]*subscription
	transactions  map[string]*StompTransaction
	pendingAcks   map[string]*pendingAck
	executor      *sendExecutor

	releaseOnce sync.Once

	// hooks installed by the owning connection
	onConnected func(readTimeout, writeTimeout time.Duration)
	onFailure   func(err error)
	emit        func(e *ConnEvent)
}

func NewConnectionContext(id string, config StompConfig, p provider.Provider) *ConnectionContext {
	if config == nil {
		config = DefaultStompConfig()
	}
	return &ConnectionContext{
		id:            id,
		config:        config,
		provider:      p,
		uow:           provider.NewUnitOfWork(),
		state:         connecting,
		transport:     -1,
		subscriptions: make(map[string]*subscription),
		transactions:  make(map[string]*StompTransaction),
		pendingAcks:   make(map[string]*pendingAck),
	}
}

func (c *ConnectionContext) ID() string {
	return c.id
}

func (c *ConnectionContext) RemoteAddr() string {
	return c.remoteAddr
}

func (c *ConnectionContext) Config() StompConfig {
	return c.config
}

func (c *ConnectionContext) State() int32 {
	return atomic.LoadInt32(&c.state)
}

func (c *ConnectionContext) setState(state int32) {
	atomic.StoreInt32(&c.state, state)
}

// Transport returns the transport selected for the connection and false while
// it is still being detected.
func (c *ConnectionContext) Transport() (Transport, bool) {
	t := atomic.LoadInt32(&c.transport)
	if t < 0 {
		return 0, false
	}
	return Transport(t), true
}

func (c *ConnectionContext) setTransport(t Transport) {
	atomic.StoreInt32(&c.transport, int32(t))
	c.metrics.connectionOpened(t)
}

func (c *ConnectionContext) Version() stomp.Version {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.version
}

func (c *ConnectionContext) ProviderConnection() provider.Connection {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.providerConn
}

func (c *ConnectionContext) TransactionManager() provider.TransactionManager {
	return c.provider.TransactionManager()
}

// Context returns the context for provider calls made outside any
// transaction. It never carries the unit of work.
func (c *ConnectionContext) Context() context.Context {
	return context.Background()
}

func (c *ConnectionContext) connected(version stomp.Version, conn provider.Connection) {
	c.lock.Lock()
	c.version = version
	c.providerConn = conn
	c.lock.Unlock()
	c.setState(connected)
}

func (c *ConnectionContext) nextSeq() uint64 {
	return atomic.AddUint64(&c.seq, 1)
}

func (c *ConnectionContext) addSubscription(sub *subscription) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, exists := c.subscriptions[sub.id]; exists {
		return false
	}
	c.subscriptions[sub.id] = sub
	return true
}

func (c *ConnectionContext) subscription(id string) *subscription {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.subscriptions[id]
}

func (c *ConnectionContext) removeSubscription(id string) (*subscription, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	sub, ok := c.subscriptions[id]
	delete(c.subscriptions, id)
	return sub, ok
}

// Subscriptions returns the number of active subscriptions.
func (c *ConnectionContext) Subscriptions() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.subscriptions)
}

func (c *ConnectionContext) addTransaction(tx *StompTransaction) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, exists := c.transactions[tx.id]; exists {
		return false
	}
	c.transactions[tx.id] = tx
	return true
}

// Transaction returns the active transaction with the given id, or nil.
func (c *ConnectionContext) Transaction(id string) *StompTransaction {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.transactions[id]
}

func (c *ConnectionContext) removeTransaction(id string) (*StompTransaction, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	tx, ok := c.transactions[id]
	delete(c.transactions, id)
	return tx, ok
}

func (c *ConnectionContext) takeTransactions() []*StompTransaction {
	c.lock.Lock()
	defer c.lock.Unlock()
	txs := make([]*StompTransaction, 0, len(c.transactions))
	for id, tx := range c.transactions {
		txs = append(txs, tx)
		delete(c.transactions, id)
	}
	return txs
}

// ActiveTransactions returns the number of transactions begun and not yet
// committed or aborted.
func (c *ConnectionContext) ActiveTransactions() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.transactions)
}

func (c *ConnectionContext) registerAck(p *pendingAck) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.pendingAcks[p.key] = p
}

// takeAcks removes and returns the acknowledgements an ACK or NACK for key
// settles. In client mode that is every earlier pending delivery of the same
// subscription as well, oldest first.
func (c *ConnectionContext) takeAcks(key string) ([]*pendingAck, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	target, ok := c.pendingAcks[key]
	if !ok {
		return nil, unknownAcknowledgementError
	}
	mode := provider.AckClientIndividual
	if sub, ok := c.subscriptions[target.subscriptionID]; ok {
		mode = sub.mode
	}
	if mode != provider.AckClient {
		delete(c.pendingAcks, key)
		return []*pendingAck{target}, nil
	}

	var acks []*pendingAck
	for k, p := range c.pendingAcks {
		if p.subscriptionID == target.subscriptionID && p.seq <= target.seq {
			acks = append(acks, p)
			delete(c.pendingAcks, k)
		}
	}
	sort.Slice(acks, func(i, j int) bool { return acks[i].seq < acks[j].seq })
	return acks, nil
}

func (c *ConnectionContext) restoreAcks(acks []*pendingAck) {
	if len(acks) == 0 {
		return
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, p := range acks {
		c.pendingAcks[p.key] = p
	}
}

// PendingAcks returns the number of deliveries awaiting ACK or NACK.
func (c *ConnectionContext) PendingAcks() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.pendingAcks)
}

// drainSends waits for offloaded SEND frames to finish.
func (c *ConnectionContext) drainSends() {
	if c.executor != nil {
		c.executor.Drain()
	}
}

func (c *ConnectionContext) fail(err error) {
	if c.onFailure != nil {
		c.onFailure(err)
	}
}

func (c *ConnectionContext) emitEvent(e *ConnEvent) {
	if c.emit != nil {
		e.ConnId = c.id
		c.emit(e)
	}
}

// release aborts every active transaction and disconnects from the provider.
// Only the first call has an effect.
func (c *ConnectionContext) release() {
	c.releaseOnce.Do(func() {
		c.setState(closed)
		if c.executor != nil {
			c.executor.Close()
		}

		logger := log.Log.Fields(logrus.Fields{"conn": c.id})
		for _, tx := range c.takeTransactions() {
			if err := tx.Abort(); err != nil {
				logger.Warnf("abort on release failed: %v", err)
			}
		}

		c.lock.Lock()
		conn := c.providerConn
		c.providerConn = nil
		c.pendingAcks = make(map[string]*pendingAck)
		c.lock.Unlock()

		if conn != nil {
			if err := conn.Disconnect(c.Context()); err != nil {
				logger.Warnf("provider disconnect failed: %v", err)
			}
		}
	})
}
