// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

// Package provider declares the capabilities a STOMP server needs from the
// messaging backend: routing and delivery of messages, acknowledgement of
// delivered messages, and a two-phase-capable transaction manager.
package provider

import (
	"context"
	"fmt"

	"github.com/go-stomp/stomp/v3/frame"
)

// AckMode is the acknowledgement mode a client requested on SUBSCRIBE.
type AckMode string

const (
	AckAuto             AckMode = "auto"
	AckClient           AckMode = "client"
	AckClientIndividual AckMode = "client-individual"
)

// ParseAckMode maps the value of an "ack" header to an AckMode. An empty value
// means auto.
func ParseAckMode(v string) (AckMode, error) {
	switch AckMode(v) {
	case "", AckAuto:
		return AckAuto, nil
	case AckClient:
		return AckClient, nil
	case AckClientIndividual:
		return AckClientIndividual, nil
	}
	return "", fmt.Errorf("invalid ack mode %q", v)
}

// Acknowledger acknowledges or negatively acknowledges one delivered message.
// When ctx carries a UnitOfWork with an associated transaction, implementations
// must make the acknowledgement part of that transaction.
type Acknowledger interface {
	Ack(ctx context.Context) error
	Nack(ctx context.Context) error
}

// MessageSink receives messages the provider delivers to one client connection.
// ack is nil for subscriptions in auto mode.
type MessageSink interface {
	Deliver(subscriptionID string, msg *frame.Frame, ack Acknowledger) error
}

type discardSink struct{}

func (discardSink) Deliver(string, *frame.Frame, Acknowledger) error {
	return nil
}

// DiscardSink drops every delivery. It serves connections that only publish.
var DiscardSink MessageSink = discardSink{}

// Connection is the provider side of one client connection.
type Connection interface {
	ID() string
	// Send routes msg to its destination. If ctx carries a UnitOfWork with an
	// associated transaction, the send takes effect only when it commits.
	Send(ctx context.Context, msg *frame.Frame) error
	Subscribe(ctx context.Context, subscriptionID string, destination string, mode AckMode, headers *frame.Header) error
	Unsubscribe(ctx context.Context, subscriptionID string) error
	Disconnect(ctx context.Context) error
}

// Provider is the messaging backend.
type Provider interface {
	TransactionManager() TransactionManager
	Connect(ctx context.Context, connectionID string, headers *frame.Header, sink MessageSink) (Connection, error)
}
