// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package amqp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/vmware/stomp-conduit/provider"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	lock       sync.Mutex
	published  []published
	txMode     bool
	commits    int
	rollbacks  int
	closed     bool
	commitErr  error
	cancelled  []string
	deliveries chan amqp.Delivery
}

func (c *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.published = append(c.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *fakeChannel) Tx() error {
	c.txMode = true
	return nil
}

func (c *fakeChannel) TxCommit() error {
	c.commits++
	return c.commitErr
}

func (c *fakeChannel) TxRollback() error {
	c.rollbacks++
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: "amq.gen-1"}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if c.deliveries == nil {
		c.deliveries = make(chan amqp.Delivery, 4)
	}
	return c.deliveries, nil
}

func (c *fakeChannel) Cancel(consumer string, noWait bool) error {
	c.cancelled = append(c.cancelled, consumer)
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

type fakeAcknowledger struct {
	lock   sync.Mutex
	acked  []uint64
	nacked []uint64
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.nacked = append(a.nacked, tag)
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type channelFactory struct {
	opened []*fakeChannel
}

func (f *channelFactory) open() (Channel, error) {
	ch := &fakeChannel{}
	f.opened = append(f.opened, ch)
	return ch, nil
}

type sinkFunc func(subscriptionID string, msg *frame.Frame, ack provider.Acknowledger) error

func (f sinkFunc) Deliver(subscriptionID string, msg *frame.Frame, ack provider.Acknowledger) error {
	return f(subscriptionID, msg, ack)
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "topic.stocks.ibm", RoutingKey("/topic/stocks/ibm"))
	assert.Equal(t, "queue", RoutingKey("queue/"))
}

func TestProvider_SendOutsideTransaction(t *testing.T) {
	f := &channelFactory{}
	p := New(f.open, "")
	c, err := p.Connect(context.Background(), "c1", frame.NewHeader(), sinkFunc(nil))
	assert.Nil(t, err)

	msg := frame.New(frame.SEND, frame.Destination, "/queue/a", "x-custom", "1", frame.Receipt, "r")
	msg.Body = []byte("hello")
	assert.Nil(t, c.Send(context.Background(), msg))

	ch := f.opened[0]
	assert.Len(t, ch.published, 1)
	assert.Equal(t, DefaultExchange, ch.published[0].exchange)
	assert.Equal(t, "queue.a", ch.published[0].key)
	assert.Equal(t, "1", ch.published[0].msg.Headers["x-custom"])
	_, hasReceipt := ch.published[0].msg.Headers[frame.Receipt]
	assert.False(t, hasReceipt)

	assert.NotNil(t, c.Send(context.Background(), frame.New(frame.SEND)))
}

func TestProvider_TransactionalSend(t *testing.T) {
	f := &channelFactory{}
	p := New(f.open, "ex")
	tm := p.TransactionManager()
	c, _ := p.Connect(context.Background(), "c1", frame.NewHeader(), sinkFunc(nil))

	uow := provider.NewUnitOfWork()
	ctx := provider.WithUnitOfWork(context.Background(), uow)
	assert.Nil(t, tm.Begin(uow))
	txCh := f.opened[1]
	assert.True(t, txCh.txMode)

	assert.Nil(t, c.Send(ctx, frame.New(frame.SEND, frame.Destination, "/topic/t")))
	assert.Len(t, txCh.published, 1)
	assert.Len(t, f.opened[0].published, 0)

	assert.Nil(t, tm.Commit(uow))
	assert.Equal(t, 1, txCh.commits)
	assert.True(t, txCh.closed)
	assert.Nil(t, uow.Current())
}

func TestTransactionManager_CommitFailureRollsBack(t *testing.T) {
	f := &channelFactory{}
	tm := &TransactionManager{open: f.open}
	uow := provider.NewUnitOfWork()

	assert.Nil(t, tm.Begin(uow))
	f.opened[0].commitErr = errors.New("channel closed")
	err := tm.Commit(uow)
	assert.True(t, errors.Is(err, provider.ErrRollback))
	assert.Equal(t, 1, f.opened[0].rollbacks)
	assert.True(t, f.opened[0].closed)
}

func TestTransactionManager_SuspendResumeRollback(t *testing.T) {
	f := &channelFactory{}
	tm := &TransactionManager{open: f.open}
	uow := provider.NewUnitOfWork()

	assert.Nil(t, tm.Begin(uow))
	assert.True(t, errors.Is(tm.Begin(uow), provider.ErrIllegalState))

	tx, err := tm.Suspend(uow)
	assert.Nil(t, err)
	assert.NotEmpty(t, tx.ID())
	assert.Nil(t, uow.Current())

	assert.Nil(t, tm.Resume(uow, tx))
	assert.Nil(t, tm.Rollback(uow))
	assert.Equal(t, 1, f.opened[0].rollbacks)
	assert.True(t, errors.Is(tm.Resume(uow, tx), provider.ErrInvalidTransaction))
	assert.True(t, errors.Is(tm.Commit(uow), provider.ErrIllegalState))
}

func TestProvider_SubscribeDeliversAndAcksAfterCommit(t *testing.T) {
	f := &channelFactory{}
	p := New(f.open, "")
	tm := p.TransactionManager()

	got := make(chan provider.Acknowledger, 1)
	var msg *frame.Frame
	sink := sinkFunc(func(subID string, m *frame.Frame, ack provider.Acknowledger) error {
		msg = m
		got <- ack
		return nil
	})
	c, _ := p.Connect(context.Background(), "c1", frame.NewHeader(), sink)
	assert.Nil(t, c.Subscribe(context.Background(), "sub-0", "/queue/a", provider.AckClientIndividual, nil))

	acker := &fakeAcknowledger{}
	f.opened[0].deliveries <- amqp.Delivery{
		Acknowledger: acker,
		DeliveryTag:  7,
		ContentType:  "text/plain",
		Headers:      amqp.Table{"x-custom": "v"},
		Body:         []byte("payload"),
	}

	var ack provider.Acknowledger
	select {
	case ack = <-got:
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
	assert.Equal(t, frame.MESSAGE, msg.Command)
	assert.Equal(t, "7", msg.Header.Get(frame.MessageId))
	assert.Equal(t, "/queue/a", msg.Header.Get(frame.Destination))
	assert.Equal(t, "v", msg.Header.Get("x-custom"))

	uow := provider.NewUnitOfWork()
	ctx := provider.WithUnitOfWork(context.Background(), uow)
	assert.Nil(t, tm.Begin(uow))
	assert.Nil(t, ack.Ack(ctx))
	assert.Empty(t, acker.acked)
	assert.Nil(t, tm.Commit(uow))
	assert.Equal(t, []uint64{7}, acker.acked)

	assert.Nil(t, c.Unsubscribe(context.Background(), "sub-0"))
	assert.Equal(t, []string{"c1/sub-0"}, f.opened[0].cancelled)
	assert.Nil(t, c.Unsubscribe(context.Background(), "missing"))
	assert.Nil(t, c.Disconnect(context.Background()))
	assert.True(t, f.opened[0].closed)
}

func TestTransactionManager_RollbackDetached(t *testing.T) {
	f := &channelFactory{}
	tm := &TransactionManager{open: f.open}
	uow := provider.NewUnitOfWork()

	assert.Nil(t, tm.Begin(uow))
	tx, err := tm.Suspend(uow)
	assert.Nil(t, err)

	assert.Nil(t, tm.RollbackDetached(tx))
	assert.Equal(t, 1, f.opened[0].rollbacks)
	assert.True(t, f.opened[0].closed)

	assert.True(t, errors.Is(tm.RollbackDetached(tx), provider.ErrInvalidTransaction))
	assert.True(t, errors.Is(tm.Resume(uow, tx), provider.ErrInvalidTransaction))
}
