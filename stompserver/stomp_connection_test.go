// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package stompserver

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/vmware/stomp-conduit/provider"
	"github.com/vmware/stomp-conduit/provider/memory"
	"github.com/vmware/stomp-conduit/wsframe"
)

const testTimeout = 2 * time.Second

type testClient struct {
	t          *testing.T
	conn       net.Conn
	frames     chan *frame.Frame
	heartBeats int32
}

func newTestClient(t *testing.T, config StompConfig, p provider.Provider) (*testClient, StompConn, chan *ConnEvent) {
	serverConn, clientConn := net.Pipe()
	events := make(chan *ConnEvent, 100)
	sc := NewStompConn(serverConn, config, p, nil, func(e *ConnEvent) {
		events <- e
	})
	c := &testClient{t: t, conn: clientConn, frames: make(chan *frame.Frame, 100)}
	go c.read()
	return c, sc, events
}

func newBroker() (*memory.Broker, *memory.TransactionManager) {
	tm := memory.NewTransactionManager(0)
	return memory.NewBroker(tm), tm
}

func (c *testClient) read() {
	defer close(c.frames)
	r := frame.NewReader(c.conn)
	for {
		f, err := r.Read()
		if err != nil {
			return
		}
		if f == nil {
			atomic.AddInt32(&c.heartBeats, 1)
			continue
		}
		c.frames <- f
	}
}

func (c *testClient) send(command string, headers ...string) {
	c.sendBody(command, "", headers...)
}

func (c *testClient) sendBody(command string, body string, headers ...string) {
	f := frame.New(command, headers...)
	if body != "" {
		f.Body = []byte(body)
	}
	assert.Nil(c.t, frame.NewWriter(c.conn).Write(f))
}

func (c *testClient) expect(command string) *frame.Frame {
	select {
	case f, ok := <-c.frames:
		if !ok {
			c.t.Fatalf("connection closed while waiting for %s", command)
		}
		assert.Equal(c.t, command, f.Command, "unexpected frame %v", f.Header)
		return f
	case <-time.After(testTimeout):
		c.t.Fatalf("timed out waiting for %s", command)
	}
	return nil
}

func (c *testClient) expectNothing() {
	select {
	case f, ok := <-c.frames:
		if ok {
			c.t.Fatalf("unexpected frame %s", f.Command)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func (c *testClient) expectClosed() {
	timeout := time.After(testTimeout)
	for {
		select {
		case _, ok := <-c.frames:
			if !ok {
				return
			}
		case <-timeout:
			c.t.Fatal("connection not closed")
		}
	}
}

func (c *testClient) expectError(message string) {
	f := c.expect(frame.ERROR)
	assert.Equal(c.t, message, f.Header.Get(frame.Message))
	c.expectClosed()
}

func (c *testClient) connect() *frame.Frame {
	c.send(frame.CONNECT, frame.AcceptVersion, "1.2", frame.Host, "localhost")
	return c.expect(frame.CONNECTED)
}

func waitDone(t *testing.T, sc StompConn) {
	select {
	case <-sc.Done():
	case <-time.After(testTimeout):
		t.Fatal("connection did not finish")
	}
}

func nextEvent(t *testing.T, events chan *ConnEvent, eventType StompSessionEventType) *ConnEvent {
	timeout := time.After(testTimeout)
	for {
		select {
		case e := <-events:
			if e.eventType == eventType {
				return e
			}
		case <-timeout:
			t.Fatalf("no event %d", eventType)
			return nil
		}
	}
}

func TestStompConn_Connect(t *testing.T) {
	b, _ := newBroker()
	c, sc, events := newTestClient(t, nil, b)

	assert.NotEqual(t, "", sc.GetId())
	assert.Equal(t, connecting, sc.Context().State())

	c.send(frame.CONNECT, frame.AcceptVersion, "1.0,1.2,1.1,1.3")
	f := c.expect(frame.CONNECTED)
	assert.Equal(t, "1.2", f.Header.Get(frame.Version))
	assert.Equal(t, "0,0", f.Header.Get(frame.HeartBeat))
	assert.Equal(t, serverName, f.Header.Get(frame.Server))
	assert.Equal(t, sc.GetId(), f.Header.Get(frame.Session))

	e := nextEvent(t, events, ConnectionEstablished)
	assert.Equal(t, sc.GetId(), e.ConnId)
	assert.Equal(t, sc, e.conn)

	assert.Equal(t, connected, sc.Context().State())
	transport, ok := sc.Context().Transport()
	assert.True(t, ok)
	assert.Equal(t, TransportStomp, transport)
	assert.Equal(t, 1, b.Connections())
}

func TestStompConn_ConnectV11(t *testing.T) {
	b, _ := newBroker()
	c, sc, _ := newTestClient(t, nil, b)

	c.send(frame.STOMP, frame.AcceptVersion, "1.1")
	f := c.expect(frame.CONNECTED)
	assert.Equal(t, "1.1", f.Header.Get(frame.Version))
	assert.Equal(t, "1.1", string(sc.Context().Version()))
}

func TestStompConn_ConnectErrors(t *testing.T) {
	b, _ := newBroker()

	c, _, _ := newTestClient(t, nil, b)
	c.send(frame.CONNECT)
	c.expectError(unsupportedStompVersionError.Error())

	c, _, _ = newTestClient(t, nil, b)
	c.send(frame.CONNECT, frame.AcceptVersion, "1.2", frame.Receipt, "r1")
	c.expectError(invalidHeaderError.Error())

	c, _, _ = newTestClient(t, nil, b)
	c.send(frame.CONNECT, frame.AcceptVersion, "1.2", frame.HeartBeat, "bad")
	f := c.expect(frame.ERROR)
	assert.True(t, strings.HasPrefix(f.Header.Get(frame.Message), invalidHeaderError.Error()))
	c.expectClosed()

	c, sc, _ := newTestClient(t, nil, b)
	c.connect()
	c.send(frame.CONNECT, frame.AcceptVersion, "1.2")
	c.expectError(unexpectedStompCommandError.Error())
	waitDone(t, sc)

	assert.Equal(t, 0, b.Connections())
}

func TestStompConn_FramesBeforeConnect(t *testing.T) {
	b, _ := newBroker()

	// leading heart-beats do not affect detection
	c, sc, _ := newTestClient(t, nil, b)
	c.conn.Write([]byte("\nCONNECT\naccept-version:1.2\n\n\x00"))
	c.expect(frame.CONNECTED)
	c.send(frame.CONNECT, frame.AcceptVersion, "1.2")
	c.expectError(unexpectedStompCommandError.Error())
	waitDone(t, sc)

	// SEND as the first frame selects the WebSocket chain, whose HTTP codec
	// rejects it without an ERROR frame
	c, sc, _ = newTestClient(t, nil, b)
	c.conn.Write([]byte("SEND\ndestination:/a\n\n\x00"))
	c.conn.Write([]byte("\r\n\r\n"))
	c.expectClosed()
	waitDone(t, sc)
}

func TestStompConn_HeartBeat(t *testing.T) {
	config, err := NewStompConfig(ServerOptions{HeartBeat: 50 * time.Millisecond})
	assert.Nil(t, err)
	b, _ := newBroker()
	c, sc, _ := newTestClient(t, config, b)

	c.send(frame.CONNECT, frame.AcceptVersion, "1.2", frame.HeartBeat, "20,20")
	f := c.expect(frame.CONNECTED)
	assert.Equal(t, "50,50", f.Header.Get(frame.HeartBeat))

	// the client never sends a heart-beat, so the read deadline expires
	c.expectClosed()
	waitDone(t, sc)
	assert.Equal(t, 0, b.Connections())
}

func TestStompConn_HeartBeatsSent(t *testing.T) {
	config, _ := NewStompConfig(ServerOptions{HeartBeat: 20 * time.Millisecond})
	b, _ := newBroker()
	c, sc, _ := newTestClient(t, config, b)

	c.send(frame.CONNECT, frame.AcceptVersion, "1.2", frame.HeartBeat, "0,20")
	f := c.expect(frame.CONNECTED)
	assert.Equal(t, "20,0", f.Header.Get(frame.HeartBeat))

	deadline := time.Now().Add(testTimeout)
	for atomic.LoadInt32(&c.heartBeats) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, atomic.LoadInt32(&c.heartBeats) >= 2)

	sc.Close()
	waitDone(t, sc)
}

func TestStompConn_SubscribeSendReceive(t *testing.T) {
	b, _ := newBroker()
	c, sc, events := newTestClient(t, nil, b)
	c.connect()

	c.send(frame.SUBSCRIBE, frame.Id, "sub-1", frame.Destination, "/topic/*", frame.Receipt, "r1")
	assert.Equal(t, "r1", c.expect(frame.RECEIPT).Header.Get(frame.ReceiptId))
	e := nextEvent(t, events, SubscribeToTopic)
	assert.Equal(t, "/topic/*", e.destination)
	assert.Equal(t, "sub-1", e.sub.id)
	assert.Equal(t, 1, sc.Context().Subscriptions())

	// a duplicate subscription id is ignored but still acknowledged
	c.send(frame.SUBSCRIBE, frame.Id, "sub-1", frame.Destination, "/other", frame.Receipt, "r2")
	assert.Equal(t, "r2", c.expect(frame.RECEIPT).Header.Get(frame.ReceiptId))

	c.sendBody(frame.SEND, "hello", frame.Destination, "/topic/a", frame.Receipt, "r3")
	msg := c.expect(frame.MESSAGE)
	assert.Equal(t, "hello", string(msg.Body))
	assert.Equal(t, "sub-1", msg.Header.Get(frame.Subscription))
	assert.Equal(t, "/topic/a", msg.Header.Get(frame.Destination))
	assert.NotEqual(t, "", msg.Header.Get(frame.MessageId))
	_, hasReceipt := msg.Header.Contains(frame.Receipt)
	assert.False(t, hasReceipt)
	_, hasAck := msg.Header.Contains(frame.Ack)
	assert.False(t, hasAck)
	assert.Equal(t, "r3", c.expect(frame.RECEIPT).Header.Get(frame.ReceiptId))

	in := nextEvent(t, events, IncomingMessage)
	assert.Equal(t, "/topic/a", in.destination)

	c.send(frame.UNSUBSCRIBE, frame.Id, "sub-1", frame.Receipt, "r4")
	c.expect(frame.RECEIPT)
	nextEvent(t, events, UnsubscribeFromTopic)
	assert.Equal(t, 0, sc.Context().Subscriptions())

	// unknown subscription ids are ignored
	c.send(frame.UNSUBSCRIBE, frame.Id, "sub-1", frame.Receipt, "r5")
	c.expect(frame.RECEIPT)

	c.sendBody(frame.SEND, "unseen", frame.Destination, "/topic/a")
	c.expectNothing()
}

func TestStompConn_SubscribeErrors(t *testing.T) {
	b, _ := newBroker()

	c, _, _ := newTestClient(t, nil, b)
	c.connect()
	c.send(frame.SUBSCRIBE, frame.Destination, "/a")
	c.expectError(invalidSubscriptionError.Error())

	c, _, _ = newTestClient(t, nil, b)
	c.connect()
	c.send(frame.SUBSCRIBE, frame.Id, "s1")
	c.expectError(invalidFrameError.Error())

	c, _, _ = newTestClient(t, nil, b)
	c.connect()
	c.send(frame.SUBSCRIBE, frame.Id, "s1", frame.Destination, "/a", frame.Ack, "sometimes")
	f := c.expect(frame.ERROR)
	assert.True(t, strings.HasPrefix(f.Header.Get(frame.Message), invalidHeaderError.Error()))
	c.expectClosed()

	c, _, _ = newTestClient(t, nil, b)
	c.connect()
	c.send(frame.UNSUBSCRIBE)
	c.expectError(invalidSubscriptionError.Error())
}

func TestStompConn_SendErrors(t *testing.T) {
	b, _ := newBroker()
	config, _ := NewStompConfig(ServerOptions{SendDestinations: []string{"/app/**"}})

	c, _, _ := newTestClient(t, config, b)
	c.connect()
	c.send(frame.SEND, frame.Destination, "/app/requests/1", frame.Receipt, "ok")
	c.expect(frame.RECEIPT)
	c.send(frame.SEND, frame.Destination, "/topic/a")
	c.expectError(invalidSendDestinationError.Error())

	c, _, _ = newTestClient(t, config, b)
	c.connect()
	c.send(frame.SEND)
	c.expectError(invalidFrameError.Error())

	c, _, _ = newTestClient(t, config, b)
	c.connect()
	c.send(frame.SEND, frame.Destination, "/app/a", frame.Transaction, "nope")
	c.expectError(unknownTransactionError.Error())
}

func TestStompConn_UnsupportedCommand(t *testing.T) {
	b, _ := newBroker()
	c, _, _ := newTestClient(t, nil, b)
	c.connect()

	// parses as a frame, but clients never send it
	c.send(frame.RECEIPT, frame.ReceiptId, "r1")
	c.expectError(unsupportedStompCommandError.Error())
}

func TestStompConn_Transactions(t *testing.T) {
	b, tm := newBroker()
	c, sc, _ := newTestClient(t, nil, b)
	c.connect()

	c.send(frame.SUBSCRIBE, frame.Id, "s1", frame.Destination, "/queue/a", frame.Receipt, "sub")
	c.expect(frame.RECEIPT)

	c.send(frame.BEGIN, frame.Transaction, "t1", frame.Receipt, "begin")
	c.expect(frame.RECEIPT)
	assert.Equal(t, 1, sc.Context().ActiveTransactions())
	assert.Equal(t, 1, tm.Active())

	c.sendBody(frame.SEND, "one", frame.Destination, "/queue/a", frame.Transaction, "t1", frame.Receipt, "s1")
	c.expect(frame.RECEIPT)
	c.sendBody(frame.SEND, "two", frame.Destination, "/queue/a", frame.Transaction, "t1")
	c.expectNothing()

	c.send(frame.COMMIT, frame.Transaction, "t1", frame.Receipt, "commit")
	first := c.expect(frame.MESSAGE)
	assert.Equal(t, "one", string(first.Body))
	_, hasTx := first.Header.Contains(frame.Transaction)
	assert.False(t, hasTx)
	assert.Equal(t, "two", string(c.expect(frame.MESSAGE).Body))
	assert.Equal(t, "commit", c.expect(frame.RECEIPT).Header.Get(frame.ReceiptId))
	assert.Equal(t, 0, sc.Context().ActiveTransactions())
	assert.Equal(t, 0, tm.Active())

	c.send(frame.BEGIN, frame.Transaction, "t2")
	c.sendBody(frame.SEND, "dropped", frame.Destination, "/queue/a", frame.Transaction, "t2")
	c.send(frame.ABORT, frame.Transaction, "t2", frame.Receipt, "abort")
	assert.Equal(t, "abort", c.expect(frame.RECEIPT).Header.Get(frame.ReceiptId))
	assert.Equal(t, 0, tm.Active())

	c.send(frame.COMMIT, frame.Transaction, "t2")
	c.expectError(unknownTransactionError.Error())
}

func TestStompConn_TransactionErrors(t *testing.T) {
	b, _ := newBroker()

	c, _, _ := newTestClient(t, nil, b)
	c.connect()
	c.send(frame.BEGIN)
	c.expectError(missingTransactionHeaderError.Error())

	c, _, _ = newTestClient(t, nil, b)
	c.connect()
	c.send(frame.BEGIN, frame.Transaction, "t1")
	c.send(frame.BEGIN, frame.Transaction, "t1")
	c.expectError(transactionAlreadyExistsError.Error())

	c, _, _ = newTestClient(t, nil, b)
	c.connect()
	c.send(frame.ABORT, frame.Transaction, "t1")
	c.expectError(unknownTransactionError.Error())
}

func TestStompConn_ClientAckIsCumulative(t *testing.T) {
	b, _ := newBroker()
	c, sc, _ := newTestClient(t, nil, b)
	c.connect()

	c.send(frame.SUBSCRIBE, frame.Id, "s1", frame.Destination, "/queue/a", frame.Ack, "client", frame.Receipt, "sub")
	c.expect(frame.RECEIPT)

	var acks []string
	for i := 0; i < 3; i++ {
		c.sendBody(frame.SEND, fmt.Sprint(i), frame.Destination, "/queue/a")
		msg := c.expect(frame.MESSAGE)
		acks = append(acks, msg.Header.Get(frame.Ack))
	}
	assert.Equal(t, 3, sc.Context().PendingAcks())

	c.send(frame.ACK, frame.Id, acks[1], frame.Receipt, "ack")
	c.expect(frame.RECEIPT)
	assert.Equal(t, 1, sc.Context().PendingAcks())
	assert.Equal(t, uint64(2), b.Stats().Acked)

	c.send(frame.NACK, frame.Id, acks[2], frame.Receipt, "nack")
	c.expect(frame.RECEIPT)
	assert.Equal(t, uint64(1), b.Stats().Nacked)

	c.send(frame.ACK, frame.Id, acks[0])
	c.expectError(unknownAcknowledgementError.Error())
}

func TestStompConn_ClientIndividualAck(t *testing.T) {
	b, _ := newBroker()
	c, sc, _ := newTestClient(t, nil, b)
	c.connect()

	c.send(frame.SUBSCRIBE, frame.Id, "s1", frame.Destination, "/queue/a", frame.Ack, "client-individual", frame.Receipt, "sub")
	c.expect(frame.RECEIPT)

	var acks []string
	for i := 0; i < 2; i++ {
		c.sendBody(frame.SEND, fmt.Sprint(i), frame.Destination, "/queue/a")
		acks = append(acks, c.expect(frame.MESSAGE).Header.Get(frame.Ack))
	}

	c.send(frame.ACK, frame.Id, acks[1], frame.Receipt, "ack")
	c.expect(frame.RECEIPT)
	assert.Equal(t, 1, sc.Context().PendingAcks())
	assert.Equal(t, uint64(1), b.Stats().Acked)
}

func TestStompConn_TransactionalAck(t *testing.T) {
	b, _ := newBroker()
	c, _, _ := newTestClient(t, nil, b)
	c.connect()

	c.send(frame.SUBSCRIBE, frame.Id, "s1", frame.Destination, "/queue/a", frame.Ack, "client-individual", frame.Receipt, "sub")
	c.expect(frame.RECEIPT)
	c.sendBody(frame.SEND, "x", frame.Destination, "/queue/a")
	ack := c.expect(frame.MESSAGE).Header.Get(frame.Ack)

	c.send(frame.BEGIN, frame.Transaction, "t1")
	c.send(frame.ACK, frame.Id, ack, frame.Transaction, "t1", frame.Receipt, "ack")
	c.expect(frame.RECEIPT)
	assert.Equal(t, uint64(0), b.Stats().Acked)

	c.send(frame.COMMIT, frame.Transaction, "t1", frame.Receipt, "commit")
	c.expect(frame.RECEIPT)
	assert.Equal(t, uint64(1), b.Stats().Acked)

	c.send(frame.ACK, frame.Id, ack, frame.Transaction, "t9")
	c.expectError(unknownTransactionError.Error())
}

func TestStompConn_AbortedAckCanBeRetried(t *testing.T) {
	b, _ := newBroker()
	c, sc, _ := newTestClient(t, nil, b)
	c.connect()

	c.send(frame.SUBSCRIBE, frame.Id, "s1", frame.Destination, "/queue/a", frame.Ack, "client", frame.Receipt, "sub")
	c.expect(frame.RECEIPT)
	var acks []string
	for i := 0; i < 2; i++ {
		c.sendBody(frame.SEND, fmt.Sprint(i), frame.Destination, "/queue/a")
		acks = append(acks, c.expect(frame.MESSAGE).Header.Get(frame.Ack))
	}

	c.send(frame.BEGIN, frame.Transaction, "t1")
	c.send(frame.ACK, frame.Id, acks[1], frame.Transaction, "t1", frame.Receipt, "ack")
	c.expect(frame.RECEIPT)
	assert.Equal(t, 0, sc.Context().PendingAcks())

	c.send(frame.ABORT, frame.Transaction, "t1", frame.Receipt, "abort")
	c.expect(frame.RECEIPT)
	assert.Equal(t, 2, sc.Context().PendingAcks())
	assert.Equal(t, uint64(0), b.Stats().Acked)

	c.send(frame.ACK, frame.Id, acks[1], frame.Receipt, "retry")
	c.expect(frame.RECEIPT)
	assert.Equal(t, 0, sc.Context().PendingAcks())
	assert.Equal(t, uint64(2), b.Stats().Acked)
}

func TestStompConn_AckV11UsesMessageId(t *testing.T) {
	b, _ := newBroker()
	c, _, _ := newTestClient(t, nil, b)
	c.send(frame.CONNECT, frame.AcceptVersion, "1.1")
	c.expect(frame.CONNECTED)

	c.send(frame.SUBSCRIBE, frame.Id, "s1", frame.Destination, "/queue/a", frame.Ack, "client", frame.Receipt, "sub")
	c.expect(frame.RECEIPT)
	c.sendBody(frame.SEND, "x", frame.Destination, "/queue/a")
	msg := c.expect(frame.MESSAGE)
	_, hasAck := msg.Header.Contains(frame.Ack)
	assert.False(t, hasAck)

	c.send(frame.ACK, frame.Subscription, "s1", frame.MessageId, msg.Header.Get(frame.MessageId), frame.Receipt, "ack")
	c.expect(frame.RECEIPT)
	assert.Equal(t, uint64(1), b.Stats().Acked)
}

func TestStompConn_Disconnect(t *testing.T) {
	b, tm := newBroker()
	c, sc, events := newTestClient(t, nil, b)
	c.connect()

	c.send(frame.BEGIN, frame.Transaction, "t1")
	c.send(frame.DISCONNECT, frame.Receipt, "bye")
	assert.Equal(t, "bye", c.expect(frame.RECEIPT).Header.Get(frame.ReceiptId))
	c.expectClosed()
	waitDone(t, sc)

	nextEvent(t, events, ConnectionClosed)
	assert.Equal(t, closed, sc.Context().State())
	assert.Equal(t, 0, sc.Context().ActiveTransactions())
	assert.Equal(t, 0, tm.Active())
	assert.Equal(t, 0, b.Connections())
}

func TestStompConn_DisorderlyClose(t *testing.T) {
	b, tm := newBroker()
	c, sc, events := newTestClient(t, nil, b)
	c.connect()

	c.send(frame.BEGIN, frame.Transaction, "t1", frame.Receipt, "begin")
	c.expect(frame.RECEIPT)
	assert.Equal(t, 1, tm.Active())

	c.conn.Close()
	waitDone(t, sc)

	nextEvent(t, events, ConnectionClosed)
	assert.Equal(t, 0, tm.Active())
	assert.Equal(t, 0, b.Connections())
}

func TestStompConn_SendOffloadKeepsOrder(t *testing.T) {
	config, _ := NewStompConfig(ServerOptions{SendOffload: true})
	b, _ := newBroker()
	c, sc, _ := newTestClient(t, config, b)
	c.connect()
	assert.NotNil(t, sc.Context().executor)

	c.send(frame.SUBSCRIBE, frame.Id, "s1", frame.Destination, "/queue/a", frame.Receipt, "sub")
	c.expect(frame.RECEIPT)

	c.send(frame.BEGIN, frame.Transaction, "t1")
	for i := 0; i < 20; i++ {
		c.sendBody(frame.SEND, fmt.Sprint(i), frame.Destination, "/queue/a", frame.Transaction, "t1")
	}
	c.send(frame.COMMIT, frame.Transaction, "t1", frame.Receipt, "commit")
	for i := 0; i < 20; i++ {
		assert.Equal(t, fmt.Sprint(i), string(c.expect(frame.MESSAGE).Body))
	}
	c.expect(frame.RECEIPT)

	for i := 0; i < 20; i++ {
		c.sendBody(frame.SEND, fmt.Sprint(i), frame.Destination, "/queue/a")
	}
	for i := 0; i < 20; i++ {
		assert.Equal(t, fmt.Sprint(i), string(c.expect(frame.MESSAGE).Body))
	}
}

func TestStompConn_DraftWebSocket(t *testing.T) {
	b, _ := newBroker()
	serverConn, clientConn := net.Pipe()
	sc := NewStompConn(serverConn, nil, b, nil, nil)

	_, err := clientConn.Write([]byte(hixieRequest("", "v12.stomp")))
	assert.Nil(t, err)

	br := bufio.NewReader(clientConn)
	resp, err := http.ReadResponse(br, nil)
	assert.Nil(t, err)
	assert.Equal(t, 101, resp.StatusCode)
	challenge := make([]byte, 16)
	_, err = io.ReadFull(br, challenge)
	assert.Nil(t, err)
	assert.Equal(t, "fQJ,fN/4F4!~K~MH", string(challenge))

	transport, _ := sc.Context().Transport()
	assert.Equal(t, TransportWebSocket, transport)

	connectFrame, _ := wsframe.Encode(wsframe.NewTextFrame([]byte("CONNECT\naccept-version:1.2\n\n\x00")))
	_, err = clientConn.Write(connectFrame)
	assert.Nil(t, err)

	wsReader := wsframe.NewReader(br)
	reply, err := wsReader.Read()
	assert.Nil(t, err)
	assert.Equal(t, wsframe.Text, reply.Kind)
	f, err := frame.NewReader(strings.NewReader(string(reply.Payload))).Read()
	assert.Nil(t, err)
	assert.Equal(t, frame.CONNECTED, f.Command)

	closeFrame, _ := wsframe.Encode(wsframe.NewCloseFrame())
	_, err = clientConn.Write(closeFrame)
	assert.Nil(t, err)
	reply, err = wsReader.Read()
	assert.Nil(t, err)
	assert.Equal(t, wsframe.Close, reply.Kind)

	waitDone(t, sc)
	assert.Equal(t, 0, b.Connections())
}

func TestStompConn_DraftWebSocketErrorFrame(t *testing.T) {
	b, _ := newBroker()
	serverConn, clientConn := net.Pipe()
	sc := NewStompConn(serverConn, nil, b, nil, nil)

	clientConn.Write([]byte(hixieRequest("", "")))
	br := bufio.NewReader(clientConn)
	_, err := http.ReadResponse(br, nil)
	assert.Nil(t, err)
	io.ReadFull(br, make([]byte, 16))

	sendFrame, _ := wsframe.Encode(wsframe.NewTextFrame([]byte("SEND\ndestination:/a\n\n\x00")))
	clientConn.Write(sendFrame)

	reply, err := wsframe.NewReader(br).Read()
	assert.Nil(t, err)
	f, err := frame.NewReader(strings.NewReader(string(reply.Payload))).Read()
	assert.Nil(t, err)
	assert.Equal(t, frame.ERROR, f.Command)
	assert.Equal(t, notConnectedStompError.Error(), f.Header.Get(frame.Message))

	waitDone(t, sc)
}
