// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package stompserver

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vmware/stomp-conduit/pipeline"
)

type bufferSink struct {
	lock   sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (s *bufferSink) Write(p []byte) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.buf.Write(p)
}

func (s *bufferSink) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	return nil
}

func (s *bufferSink) String() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.buf.String()
}

func (s *bufferSink) isClosed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

type inboundRecorder struct {
	seen []interface{}
}

func (r *inboundRecorder) HandleInbound(ctx *pipeline.Context, msg interface{}) error {
	r.seen = append(r.seen, msg)
	return nil
}

func (r *inboundRecorder) bytes() []byte {
	var out []byte
	for _, m := range r.seen {
		if b, ok := m.([]byte); ok {
			out = append(out, b...)
		}
	}
	return out
}

// detectorHarness wires a ProtocolDetector whose assembly installs a single
// recording stage, counting how often assembly runs.
type detectorHarness struct {
	cctx       *ConnectionContext
	pipe       *pipeline.Pipeline
	recorder   *inboundRecorder
	assembled  int
	transports []Transport
}

func newDetectorHarness(maxBytes int) *detectorHarness {
	h := &detectorHarness{
		cctx:     NewConnectionContext("test-conn", nil, nil),
		recorder: &inboundRecorder{},
	}
	detector := &ProtocolDetector{
		cctx:     h.cctx,
		maxBytes: maxBytes,
		assemble: func(t Transport) []pipeline.Stage {
			h.assembled++
			h.transports = append(h.transports, t)
			return []pipeline.Stage{{Name: "recorder", Handler: h.recorder}}
		},
	}
	h.pipe = pipeline.New(&bufferSink{}, pipeline.Stage{Name: ProtocolDetectorStage, Handler: detector})
	return h
}

func (h *detectorHarness) feed(chunks ...[]byte) error {
	for _, c := range chunks {
		if err := h.pipe.FireInbound(c); err != nil {
			return err
		}
	}
	return nil
}

const (
	plainConnect  = "CONNECT\naccept-version:1.2\nhost:localhost\n\n\x00"
	upgradeHeader = "GET /stomp HTTP/1.1\r\nHost: localhost\r\nUpgrade: WebSocket\r\n\r\n"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, TransportStomp, Classify("CONNECT"))
	assert.Equal(t, TransportStomp, Classify("STOMP"))
	assert.Equal(t, TransportStomp, Classify("CONNECTED"))
	assert.Equal(t, TransportWebSocket, Classify("GET /stomp HTTP/1.1"))
	assert.Equal(t, TransportWebSocket, Classify("SEND"))
	assert.Equal(t, TransportWebSocket, Classify(""))
}

func TestFirstLine(t *testing.T) {
	line, ok := firstLine([]byte("\r\n\nCONNECT\r\nhost:a"))
	assert.True(t, ok)
	assert.Equal(t, "CONNECT", string(line))

	_, ok = firstLine([]byte("\n\nCONN"))
	assert.False(t, ok)

	_, ok = firstLine(nil)
	assert.False(t, ok)
}

func TestProtocolDetector_ConnectSelectsStomp(t *testing.T) {
	h := newDetectorHarness(DefaultMaxDetectBytes)

	assert.Nil(t, h.feed([]byte(plainConnect)))
	assert.Equal(t, 1, h.assembled)
	assert.Equal(t, []Transport{TransportStomp}, h.transports)
	assert.Equal(t, []string{"recorder"}, h.pipe.Names())
	assert.Equal(t, plainConnect, string(h.recorder.bytes()))

	transport, ok := h.cctx.Transport()
	assert.True(t, ok)
	assert.Equal(t, TransportStomp, transport)
}

func TestProtocolDetector_GetSelectsWebSocket(t *testing.T) {
	h := newDetectorHarness(DefaultMaxDetectBytes)

	assert.Nil(t, h.feed([]byte(upgradeHeader)))
	assert.Equal(t, []Transport{TransportWebSocket}, h.transports)
	assert.Equal(t, upgradeHeader, string(h.recorder.bytes()))
}

func TestProtocolDetector_WaitsForNewline(t *testing.T) {
	h := newDetectorHarness(DefaultMaxDetectBytes)

	assert.Nil(t, h.feed([]byte("CONN"), []byte("ECT")))
	assert.Equal(t, 0, h.assembled)
	assert.False(t, h.pipe.Reconfigured())
	_, ok := h.cctx.Transport()
	assert.False(t, ok)

	assert.Nil(t, h.feed([]byte("\n\n\x00")))
	assert.Equal(t, 1, h.assembled)
	assert.Equal(t, "CONNECT\n\n\x00", string(h.recorder.bytes()))
}

func TestProtocolDetector_LeadingHeartBeats(t *testing.T) {
	h := newDetectorHarness(DefaultMaxDetectBytes)

	assert.Nil(t, h.feed([]byte("\n\r\n"), []byte(plainConnect)))
	assert.Equal(t, []Transport{TransportStomp}, h.transports)
	assert.Equal(t, "\n\r\n"+plainConnect, string(h.recorder.bytes()))
}

func TestProtocolDetector_SplitInvariance(t *testing.T) {
	for _, input := range []string{plainConnect, upgradeHeader} {
		whole := newDetectorHarness(DefaultMaxDetectBytes)
		assert.Nil(t, whole.feed([]byte(input)))

		for i := 1; i < len(input); i++ {
			h := newDetectorHarness(DefaultMaxDetectBytes)
			assert.Nil(t, h.feed([]byte(input[:i]), []byte(input[i:])))
			assert.Equal(t, 1, h.assembled, "split at %d", i)
			assert.Equal(t, whole.transports, h.transports, "split at %d", i)
			assert.Equal(t, input, string(h.recorder.bytes()), "split at %d", i)
		}

		bytewise := newDetectorHarness(DefaultMaxDetectBytes)
		for i := 0; i < len(input); i++ {
			assert.Nil(t, bytewise.feed([]byte{input[i]}))
		}
		assert.Equal(t, 1, bytewise.assembled)
		assert.Equal(t, input, string(bytewise.recorder.bytes()))
	}
}

func TestProtocolDetector_RunsOnce(t *testing.T) {
	h := newDetectorHarness(DefaultMaxDetectBytes)

	assert.Nil(t, h.feed([]byte(plainConnect), []byte("SEND\ndestination:/a\n\n\x00")))
	assert.Equal(t, 1, h.assembled)
	assert.Nil(t, h.pipe.Get(ProtocolDetectorStage))
	assert.Equal(t, 2, len(h.recorder.seen))
}

func TestProtocolDetector_CapWithoutNewline(t *testing.T) {
	h := newDetectorHarness(16)

	assert.Nil(t, h.feed([]byte(strings.Repeat("x", 16))))
	err := h.feed([]byte("x"))

	var ce *ClassificationError
	assert.True(t, errors.As(err, &ce))
	assert.True(t, isConnectionFatal(err))
	assert.Equal(t, 0, h.assembled)
}

func TestProtocolDetector_InvalidUTF8(t *testing.T) {
	h := newDetectorHarness(DefaultMaxDetectBytes)

	err := h.feed([]byte{0xC3, 0x28, '\n'})
	var ce *ClassificationError
	assert.True(t, errors.As(err, &ce))
	assert.Equal(t, 0, h.assembled)
}

func TestProtocolDetector_ReplacesWithAssembledChain(t *testing.T) {
	cctx := NewConnectionContext("c1", nil, nil)
	opts := assemblyOptions(cctx.Config())
	pipe := pipeline.New(&bufferSink{}, pipeline.Stage{
		Name:    ProtocolDetectorStage,
		Handler: NewProtocolDetector(cctx, opts),
	})

	// an incomplete frame is buffered by the STOMP codec after replay
	assert.Nil(t, pipe.FireInbound([]byte("CONNECT\naccept-version:1.2\n")))
	assert.Equal(t, stageNames(Assemble(TransportStomp, cctx, opts)), pipe.Names())
}

func stageNames(stages []pipeline.Stage) []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name
	}
	return names
}
