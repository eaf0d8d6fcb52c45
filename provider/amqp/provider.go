// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

// Package amqp is a STOMP provider backed by an AMQP 0-9-1 broker such as
// RabbitMQ. Destinations map to routing keys on one topic exchange, and each
// STOMP transaction runs on its own channel in transactional mode.
package amqp

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
	"github.com/vmware/stomp-conduit/log"
	"github.com/vmware/stomp-conduit/provider"
)

var (
	_ provider.Provider     = (*Provider)(nil)
	_ provider.Connection   = (*connection)(nil)
	_ provider.Acknowledger = (*deliveryAck)(nil)
	_ Channel               = (*amqp.Channel)(nil)
)

const DefaultExchange = "amq.topic"

// Channel is the subset of *amqp.Channel the provider uses.
type Channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Tx() error
	TxCommit() error
	TxRollback() error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

// ChannelOpener opens a fresh channel on the broker connection.
type ChannelOpener func() (Channel, error)

type Config struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type Provider struct {
	open     ChannelOpener
	exchange string
	tm       *TransactionManager
	closer   func() error
}

// Dial connects to the broker at cfg.URL.
func Dial(cfg Config) (*Provider, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}
	p := New(func() (Channel, error) { return conn.Channel() }, cfg.Exchange)
	p.closer = conn.Close
	return p, nil
}

// New creates a provider opening channels with open and publishing to exchange.
func New(open ChannelOpener, exchange string) *Provider {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &Provider{
		open:     open,
		exchange: exchange,
		tm:       &TransactionManager{open: open},
	}
}

func (p *Provider) TransactionManager() provider.TransactionManager {
	return p.tm
}

func (p *Provider) Close() error {
	if p.closer != nil {
		return p.closer()
	}
	return nil
}

func (p *Provider) Connect(ctx context.Context, connectionID string, headers *frame.Header, sink provider.MessageSink) (provider.Connection, error) {
	ch, err := p.open()
	if err != nil {
		return nil, fmt.Errorf("amqp: open channel for %s: %w", connectionID, err)
	}
	return &connection{
		id:        connectionID,
		provider:  p,
		ch:        ch,
		sink:      sink,
		consumers: make(map[string]string),
	}, nil
}

// RoutingKey maps a STOMP destination such as /topic/stocks/ibm to the
// routing key topic.stocks.ibm.
func RoutingKey(destination string) string {
	return strings.ReplaceAll(strings.Trim(destination, "/"), "/", ".")
}

func publishing(msg *frame.Frame) amqp.Publishing {
	headers := amqp.Table{}
	for i := 0; i < msg.Header.Len(); i++ {
		k, v := msg.Header.GetAt(i)
		switch k {
		case frame.Destination, frame.ContentType, frame.ContentLength, frame.Receipt, frame.Transaction:
			continue
		}
		headers[k] = v
	}
	return amqp.Publishing{
		ContentType: msg.Header.Get(frame.ContentType),
		Headers:     headers,
		Body:        msg.Body,
	}
}

type connection struct {
	id       string
	provider *Provider
	ch       Channel
	sink     provider.MessageSink

	lock      sync.Mutex
	consumers map[string]string
}

func (c *connection) ID() string {
	return c.id
}

func (c *connection) Send(ctx context.Context, msg *frame.Frame) error {
	dest, ok := msg.Header.Contains(frame.Destination)
	if !ok {
		return fmt.Errorf("amqp: message has no destination")
	}

	ch := c.ch
	if current := provider.CurrentTransaction(ctx); current != nil {
		tx, ok := current.(*Transaction)
		if !ok {
			return fmt.Errorf("%w: foreign transaction %s", provider.ErrSystem, current.ID())
		}
		ch = tx.ch
	}
	return ch.Publish(c.provider.exchange, RoutingKey(dest), false, false, publishing(msg))
}

func (c *connection) Subscribe(ctx context.Context, subscriptionID string, destination string, mode provider.AckMode, headers *frame.Header) error {
	q, err := c.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return err
	}
	if err := c.ch.QueueBind(q.Name, RoutingKey(destination), c.provider.exchange, false, nil); err != nil {
		return err
	}

	tag := c.id + "/" + subscriptionID
	deliveries, err := c.ch.Consume(q.Name, tag, mode == provider.AckAuto, true, false, false, nil)
	if err != nil {
		return err
	}

	c.lock.Lock()
	c.consumers[subscriptionID] = tag
	c.lock.Unlock()

	go c.pump(subscriptionID, destination, mode, deliveries)
	return nil
}

func (c *connection) pump(subscriptionID string, destination string, mode provider.AckMode, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		msg := frame.New(frame.MESSAGE,
			frame.Destination, destination,
			frame.MessageId, strconv.FormatUint(d.DeliveryTag, 10),
			frame.ContentLength, strconv.Itoa(len(d.Body)))
		if d.ContentType != "" {
			msg.Header.Set(frame.ContentType, d.ContentType)
		}
		for k, v := range d.Headers {
			if s, ok := v.(string); ok {
				msg.Header.Add(k, s)
			}
		}
		msg.Body = d.Body

		var ack provider.Acknowledger
		if mode != provider.AckAuto {
			ack = &deliveryAck{delivery: d}
		}
		if err := c.sink.Deliver(subscriptionID, msg, ack); err != nil {
			log.Log.Fields(logrus.Fields{"conn": c.id, "subscription": subscriptionID}).Warnf("delivery failed: %v", err)
			if ack != nil {
				d.Nack(false, true)
			}
		}
	}
}

func (c *connection) Unsubscribe(ctx context.Context, subscriptionID string) error {
	c.lock.Lock()
	tag, ok := c.consumers[subscriptionID]
	delete(c.consumers, subscriptionID)
	c.lock.Unlock()
	if !ok {
		return nil
	}
	return c.ch.Cancel(tag, false)
}

func (c *connection) Disconnect(ctx context.Context) error {
	return c.ch.Close()
}

// deliveryAck settles one AMQP delivery. Inside a transaction the settlement is
// deferred until the transaction's channel commits. Cumulative acknowledgement
// in client mode is done by the server acking each delivery in turn.
type deliveryAck struct {
	delivery amqp.Delivery
}

func (a *deliveryAck) settle(ctx context.Context, fn func() error) error {
	current := provider.CurrentTransaction(ctx)
	if current == nil {
		return fn()
	}
	tx, ok := current.(*Transaction)
	if !ok {
		return fmt.Errorf("%w: foreign transaction %s", provider.ErrSystem, current.ID())
	}
	tx.afterCommit(fn)
	return nil
}

func (a *deliveryAck) Ack(ctx context.Context) error {
	return a.settle(ctx, func() error { return a.delivery.Ack(false) })
}

func (a *deliveryAck) Nack(ctx context.Context) error {
	return a.settle(ctx, func() error { return a.delivery.Nack(false, true) })
}
