// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package stompserver

import (
	"strconv"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/vmware/stomp-conduit/pipeline"
	"github.com/vmware/stomp-conduit/provider"
)

// inboundMessage is a SEND frame after the message codec accepted it.
type inboundMessage struct {
	frame         *frame.Frame
	transactionID string
}

// messageDelivery is a provider message on its way to a subscriber.
type messageDelivery struct {
	subscriptionID string
	msg            *frame.Frame
	ack            provider.Acknowledger
}

// messageCodec turns SEND frames into inbound messages and provider
// deliveries into MESSAGE frames.
type messageCodec struct {
	cctx *ConnectionContext
}

func (c *messageCodec) HandleInbound(ctx *pipeline.Context, msg interface{}) error {
	f, ok := commandFrame(msg, frame.SEND)
	if !ok {
		return ctx.FireInbound(msg)
	}
	dest, ok := f.Header.Contains(frame.Destination)
	if !ok {
		return invalidFrameError
	}
	if !c.cctx.config.IsSendDestinationAllowed(dest) {
		return invalidSendDestinationError
	}
	return ctx.FireInbound(&inboundMessage{
		frame:         f,
		transactionID: f.Header.Get(frame.Transaction),
	})
}

func (c *messageCodec) HandleOutbound(ctx *pipeline.Context, msg interface{}) (interface{}, error) {
	d, ok := msg.(*messageDelivery)
	if !ok {
		return msg, nil
	}
	sub := c.cctx.subscription(d.subscriptionID)
	if sub == nil {
		return nil, nil
	}

	seq := c.cctx.nextSeq()
	out := d.msg.Clone()
	out.Command = frame.MESSAGE
	out.Header.Set(frame.Subscription, sub.id)
	messageId := out.Header.Get(frame.MessageId)
	if messageId == "" {
		messageId = strconv.FormatUint(seq, 10)
		out.Header.Set(frame.MessageId, messageId)
	}

	if sub.mode != provider.AckAuto && d.ack != nil {
		key := messageId
		if c.cctx.Version() == stomp.V12 {
			key = strconv.FormatUint(seq, 10)
			out.Header.Set(frame.Ack, key)
		}
		c.cctx.registerAck(&pendingAck{
			key:            key,
			subscriptionID: sub.id,
			seq:            seq,
			ack:            d.ack,
		})
	}
	return out, nil
}

// sendThreading hands inbound messages to the connection's send executor so
// the read loop is not blocked by the provider.
type sendThreading struct {
	cctx     *ConnectionContext
	executor *sendExecutor
}

func (s *sendThreading) HandleInbound(ctx *pipeline.Context, msg interface{}) error {
	if _, ok := msg.(*inboundMessage); !ok {
		return ctx.FireInbound(msg)
	}
	submitted := s.executor.Submit(func() {
		if err := ctx.FireInbound(msg); err != nil {
			s.cctx.fail(err)
		}
	})
	if !submitted {
		return pipeline.ErrClosed
	}
	return nil
}

type sendHandler struct {
	cctx *ConnectionContext
}

func (h *sendHandler) HandleInbound(ctx *pipeline.Context, msg interface{}) error {
	m, ok := msg.(*inboundMessage)
	if !ok {
		return ctx.FireInbound(msg)
	}

	out := m.frame.Clone()
	out.Header.Del(frame.Receipt)

	if m.transactionID != "" {
		tx := h.cctx.Transaction(m.transactionID)
		if tx == nil {
			return unknownTransactionError
		}
		if err := tx.Send(out); err != nil {
			return err
		}
	} else {
		conn := h.cctx.ProviderConnection()
		if conn == nil {
			return notConnectedStompError
		}
		if err := conn.Send(h.cctx.Context(), out); err != nil {
			return err
		}
	}

	h.cctx.emitEvent(&ConnEvent{
		eventType:   IncomingMessage,
		destination: out.Header.Get(frame.Destination),
		frame:       out,
	})
	return sendReceipt(ctx, m.frame)
}
