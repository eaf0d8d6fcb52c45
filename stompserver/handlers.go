// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package stompserver

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/sirupsen/logrus"
	"github.com/vmware/stomp-conduit/log"
	"github.com/vmware/stomp-conduit/pipeline"
	"github.com/vmware/stomp-conduit/provider"
)

const (
	maxHeartBeatDuration = time.Duration(999999999) * time.Millisecond
	serverName           = "stomp-conduit/0.1.0"
)

// handledFrame is forwarded by a verb handler that processed a control frame,
// so the receipt stage can acknowledge it.
type handledFrame struct {
	frame *frame.Frame
}

// commandFrame returns msg as a frame if it carries command.
func commandFrame(msg interface{}, command string) (*frame.Frame, bool) {
	f, ok := msg.(*frame.Frame)
	if !ok || f.Command != command {
		return nil, false
	}
	return f, true
}

// Returns true if the frame contains ANY of the specified
// headers
func containsHeader(f *frame.Frame, headers ...string) bool {
	for _, h := range headers {
		if _, ok := f.Header.Contains(h); ok {
			return true
		}
	}
	return false
}

func sendReceipt(ctx *pipeline.Context, f *frame.Frame) error {
	if receipt, ok := f.Header.Contains(frame.Receipt); ok {
		return ctx.Write(frame.New(frame.RECEIPT, frame.ReceiptId, receipt))
	}
	return nil
}

// pipelineSink hands provider deliveries to the outbound side of a pipeline.
type pipelineSink struct {
	pipe *pipeline.Pipeline
}

func (s pipelineSink) Deliver(subscriptionID string, msg *frame.Frame, ack provider.Acknowledger) error {
	return s.pipe.Write(&messageDelivery{subscriptionID: subscriptionID, msg: msg, ack: ack})
}

// stompDisorderlyClose releases the connection's provider resources when the
// connection ends without a DISCONNECT frame.
type stompDisorderlyClose struct {
	cctx *ConnectionContext
}

func (h *stompDisorderlyClose) HandleInbound(ctx *pipeline.Context, msg interface{}) error {
	return ctx.FireInbound(msg)
}

func (h *stompDisorderlyClose) HandleClosed(ctx *pipeline.Context) {
	if h.cctx.State() != closed {
		log.Log.Fields(logrus.Fields{
			"conn":         h.cctx.ID(),
			"transactions": h.cctx.ActiveTransactions(),
		}).Debug("connection closed without DISCONNECT")
	}
	h.cctx.release()
}

// connectHandler negotiates the session and gates every other frame on the
// connection having been established.
type connectHandler struct {
	cctx *ConnectionContext
}

func (h *connectHandler) HandleInbound(ctx *pipeline.Context, msg interface{}) error {
	f, ok := msg.(*frame.Frame)
	if !ok {
		return ctx.FireInbound(msg)
	}
	h.cctx.metrics.frameReceived(f.Command)

	isConnect := f.Command == frame.CONNECT || f.Command == frame.STOMP
	switch h.cctx.State() {
	case closed:
		return nil
	case connecting:
		if !isConnect {
			return notConnectedStompError
		}
		return h.connect(ctx, f)
	}
	if isConnect {
		return unexpectedStompCommandError
	}
	return ctx.FireInbound(f)
}

func (h *connectHandler) connect(ctx *pipeline.Context, f *frame.Frame) error {
	if containsHeader(f, frame.Receipt) {
		return invalidHeaderError
	}

	version, err := determineVersion(f)
	if err != nil {
		return err
	}
	if version == stomp.V10 {
		return unsupportedStompVersionError
	}

	cxDuration, cyDuration, err := getHeartBeat(f)
	if err != nil {
		return fmt.Errorf("%w: %v", invalidHeaderError, err)
	}

	min := time.Duration(h.cctx.config.HeartBeat()) * time.Millisecond
	if min > maxHeartBeatDuration {
		min = maxHeartBeatDuration
	}

	// apply a minimum heartbeat
	if cxDuration > 0 {
		if min == 0 || cxDuration < min {
			cxDuration = min
		}
	}
	if cyDuration > 0 {
		if min == 0 || cyDuration < min {
			cyDuration = min
		}
	}

	conn, err := h.cctx.provider.Connect(h.cctx.Context(), h.cctx.ID(), f.Header, pipelineSink{pipe: ctx.Pipeline()})
	if err != nil {
		return fmt.Errorf("%w: %v", providerConnectionRefusedError, err)
	}
	h.cctx.connected(version, conn)

	cx, cy := int64(cxDuration/time.Millisecond), int64(cyDuration/time.Millisecond)
	response := frame.New(frame.CONNECTED,
		frame.Version, string(version),
		frame.Server, serverName,
		frame.Session, h.cctx.ID(),
		frame.HeartBeat, fmt.Sprintf("%d,%d", cy, cx))

	if err := ctx.Write(response); err != nil {
		return err
	}
	if h.cctx.onConnected != nil {
		h.cctx.onConnected(cxDuration, cyDuration)
	}
	h.cctx.emitEvent(&ConnEvent{eventType: ConnectionEstablished})
	return nil
}

func determineVersion(f *frame.Frame) (stomp.Version, error) {
	if acceptVersion, ok := f.Header.Contains(frame.AcceptVersion); ok {
		versions := strings.Split(acceptVersion, ",")
		for _, supportedVersion := range []stomp.Version{stomp.V12, stomp.V11, stomp.V10} {
			for _, v := range versions {
				if strings.TrimSpace(v) == supportedVersion.String() {
					// return the highest supported version
					return supportedVersion, nil
				}
			}
		}
	} else {
		return stomp.V10, nil
	}

	var emptyVersion stomp.Version
	return emptyVersion, unsupportedStompVersionError
}

func getHeartBeat(f *frame.Frame) (cx, cy time.Duration, err error) {
	if heartBeat, ok := f.Header.Contains(frame.HeartBeat); ok {
		return frame.ParseHeartBeat(heartBeat)
	}
	return 0, 0, nil
}

type disconnectHandler struct {
	cctx *ConnectionContext
}

func (h *disconnectHandler) HandleInbound(ctx *pipeline.Context, msg interface{}) error {
	f, ok := commandFrame(msg, frame.DISCONNECT)
	if !ok {
		return ctx.FireInbound(msg)
	}

	h.cctx.drainSends()
	h.cctx.release()
	err := sendReceipt(ctx, f)
	ctx.Close()
	return err
}

type subscribeHandler struct {
	cctx *ConnectionContext
}

func (h *subscribeHandler) HandleInbound(ctx *pipeline.Context, msg interface{}) error {
	f, ok := commandFrame(msg, frame.SUBSCRIBE)
	if !ok {
		return ctx.FireInbound(msg)
	}

	subId, ok := f.Header.Contains(frame.Id)
	if !ok {
		return invalidSubscriptionError
	}
	dest, ok := f.Header.Contains(frame.Destination)
	if !ok {
		return invalidFrameError
	}
	mode, err := provider.ParseAckMode(f.Header.Get(frame.Ack))
	if err != nil {
		return fmt.Errorf("%w: %v", invalidHeaderError, err)
	}

	sub := &subscription{id: subId, destination: dest, mode: mode}
	if h.cctx.addSubscription(sub) {
		conn := h.cctx.ProviderConnection()
		if err := conn.Subscribe(h.cctx.Context(), subId, dest, mode, f.Header); err != nil {
			h.cctx.removeSubscription(subId)
			return fmt.Errorf("%w: %v", invalidSubscriptionError, err)
		}
		h.cctx.emitEvent(&ConnEvent{
			eventType:   SubscribeToTopic,
			destination: dest,
			sub:         sub,
			frame:       f,
		})
	}
	return ctx.FireInbound(handledFrame{frame: f})
}

type unsubscribeHandler struct {
	cctx *ConnectionContext
}

func (h *unsubscribeHandler) HandleInbound(ctx *pipeline.Context, msg interface{}) error {
	f, ok := commandFrame(msg, frame.UNSUBSCRIBE)
	if !ok {
		return ctx.FireInbound(msg)
	}

	id, ok := f.Header.Contains(frame.Id)
	if !ok {
		return invalidSubscriptionError
	}

	if sub, ok := h.cctx.removeSubscription(id); ok {
		if err := h.cctx.ProviderConnection().Unsubscribe(h.cctx.Context(), id); err != nil {
			return err
		}
		h.cctx.emitEvent(&ConnEvent{
			eventType:   UnsubscribeFromTopic,
			destination: sub.destination,
			sub:         sub,
		})
	}
	return ctx.FireInbound(handledFrame{frame: f})
}

func transactionHeader(f *frame.Frame) (string, error) {
	id, ok := f.Header.Contains(frame.Transaction)
	if !ok || id == "" {
		return "", missingTransactionHeaderError
	}
	return id, nil
}

type beginHandler struct {
	cctx *ConnectionContext
}

func (h *beginHandler) HandleInbound(ctx *pipeline.Context, msg interface{}) error {
	f, ok := commandFrame(msg, frame.BEGIN)
	if !ok {
		return ctx.FireInbound(msg)
	}

	id, err := transactionHeader(f)
	if err != nil {
		return err
	}
	if h.cctx.Transaction(id) != nil {
		return transactionAlreadyExistsError
	}
	tx, err := beginTransaction(h.cctx, id)
	if err != nil {
		return err
	}
	h.cctx.addTransaction(tx)
	return ctx.FireInbound(handledFrame{frame: f})
}

type commitHandler struct {
	cctx *ConnectionContext
}

func (h *commitHandler) HandleInbound(ctx *pipeline.Context, msg interface{}) error {
	f, ok := commandFrame(msg, frame.COMMIT)
	if !ok {
		return ctx.FireInbound(msg)
	}

	id, err := transactionHeader(f)
	if err != nil {
		return err
	}
	h.cctx.drainSends()
	tx, ok := h.cctx.removeTransaction(id)
	if !ok {
		return unknownTransactionError
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return ctx.FireInbound(handledFrame{frame: f})
}

type abortHandler struct {
	cctx *ConnectionContext
}

func (h *abortHandler) HandleInbound(ctx *pipeline.Context, msg interface{}) error {
	f, ok := commandFrame(msg, frame.ABORT)
	if !ok {
		return ctx.FireInbound(msg)
	}

	id, err := transactionHeader(f)
	if err != nil {
		return err
	}
	h.cctx.drainSends()
	tx, ok := h.cctx.removeTransaction(id)
	if !ok {
		return unknownTransactionError
	}
	if err := tx.Abort(); err != nil {
		return err
	}
	return ctx.FireInbound(handledFrame{frame: f})
}

// ackHandler handles ACK, or NACK when nack is set.
type ackHandler struct {
	cctx *ConnectionContext
	nack bool
}

func (h *ackHandler) command() string {
	if h.nack {
		return frame.NACK
	}
	return frame.ACK
}

func (h *ackHandler) HandleInbound(ctx *pipeline.Context, msg interface{}) error {
	f, ok := commandFrame(msg, h.command())
	if !ok {
		return ctx.FireInbound(msg)
	}

	keyHeader := frame.Id
	if h.cctx.Version() == stomp.V11 {
		keyHeader = frame.MessageId
	}
	key, ok := f.Header.Contains(keyHeader)
	if !ok {
		return invalidFrameError
	}

	var tx *StompTransaction
	if txId, ok := f.Header.Contains(frame.Transaction); ok {
		if tx = h.cctx.Transaction(txId); tx == nil {
			return unknownTransactionError
		}
	}

	acks, err := h.cctx.takeAcks(key)
	if err != nil {
		return err
	}
	for _, p := range acks {
		if err := h.settle(tx, p.ack); err != nil {
			return err
		}
		if tx != nil {
			tx.retainAck(p)
		}
	}
	return ctx.FireInbound(handledFrame{frame: f})
}

func (h *ackHandler) settle(tx *StompTransaction, a provider.Acknowledger) error {
	switch {
	case tx != nil && h.nack:
		return tx.Nack(a)
	case tx != nil:
		return tx.Ack(a)
	case h.nack:
		return a.Nack(h.cctx.Context())
	}
	return a.Ack(h.cctx.Context())
}

// receiptHandler acknowledges control frames the verb handlers processed and
// rejects frames none of them recognized.
type receiptHandler struct{}

func (h *receiptHandler) HandleInbound(ctx *pipeline.Context, msg interface{}) error {
	switch m := msg.(type) {
	case handledFrame:
		return sendReceipt(ctx, m.frame)
	case *frame.Frame:
		if m.Command != frame.SEND {
			return unsupportedStompCommandError
		}
	}
	return ctx.FireInbound(msg)
}
