// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package stompserver

import (
	"github.com/vmware/stomp-conduit/pipeline"
)

// Transport is the framing a connection's STOMP frames arrive in.
type Transport int

const (
	// TransportStomp is STOMP directly on the byte stream.
	TransportStomp Transport = iota
	// TransportWebSocket is STOMP inside draft-00 WebSocket frames, reached
	// through an HTTP upgrade on the same port.
	TransportWebSocket
	// TransportFrames is a connection whose listener already delimits
	// messages, such as an RFC 6455 WebSocket.
	TransportFrames
)

func (t Transport) String() string {
	switch t {
	case TransportStomp:
		return "stomp"
	case TransportWebSocket:
		return "websocket"
	case TransportFrames:
		return "websocket-rfc6455"
	}
	return "unknown"
}

const (
	ProtocolDetectorStage     = "protocol-detector"
	DisorderlyCloseStage      = "disorderly-close"
	HTTPCodecStage            = "http-codec"
	WebSocketHandshakeStage   = "websocket-handshake"
	WebSocketFrameCodecStage  = "websocket-frame-codec"
	StompFrameCodecStage      = "stomp-frame-codec"
	StompDisorderlyCloseStage = "stomp-disorderly-close-handler"
	StompConnectStage         = "stomp-server-connect"
	StompDisconnectStage      = "stomp-server-disconnect"
	StompSubscribeStage       = "stomp-server-subscribe"
	StompUnsubscribeStage     = "stomp-server-unsubscribe"
	StompBeginStage           = "stomp-server-begin"
	StompCommitStage          = "stomp-server-commit"
	StompAbortStage           = "stomp-server-abort"
	StompAckStage             = "stomp-server-ack"
	StompNackStage            = "stomp-server-nack"
	StompReceiptStage         = "stomp-server-receipt"
	StompMessageCodecStage    = "stomp-message-codec"
	StompSendThreadingStage   = "stomp-server-send-threading"
	StompSendStage            = "stomp-server-send"
)

// AssemblyOptions tunes the stages Assemble builds.
type AssemblyOptions struct {
	MaxFrameSize   int
	SendOffload    bool
	AllowedOrigins []string
}

func assemblyOptions(config StompConfig) AssemblyOptions {
	return AssemblyOptions{
		MaxFrameSize:   config.MaxFrameSize(),
		SendOffload:    config.SendOffload(),
		AllowedOrigins: config.AllowedOrigins(),
	}
}

// Assemble returns the ordered stage chain for a connection using transport.
// Transport specific byte codecs come first, followed by the STOMP frame codec
// and the verb handlers shared by every transport. With SendOffload the SEND
// stage runs on a per-connection serial executor owned by cctx.
func Assemble(transport Transport, cctx *ConnectionContext, opts AssemblyOptions) []pipeline.Stage {
	var stages []pipeline.Stage

	if transport == TransportWebSocket {
		wsCodec := newWebSocketFrameCodec(opts.MaxFrameSize)
		stages = append(stages,
			pipeline.Stage{Name: DisorderlyCloseStage, Handler: &webSocketDisorderlyClose{cctx: cctx, codec: wsCodec}},
			pipeline.Stage{Name: HTTPCodecStage, Handler: newHTTPCodec()},
			pipeline.Stage{Name: WebSocketHandshakeStage, Handler: &webSocketHandshake{allowedOrigins: opts.AllowedOrigins}},
			pipeline.Stage{Name: WebSocketFrameCodecStage, Handler: wsCodec},
		)
	}

	stages = append(stages,
		pipeline.Stage{Name: StompFrameCodecStage, Handler: newStompFrameCodec(opts.MaxFrameSize)},
		pipeline.Stage{Name: StompDisorderlyCloseStage, Handler: &stompDisorderlyClose{cctx: cctx}},
		pipeline.Stage{Name: StompConnectStage, Handler: &connectHandler{cctx: cctx}},
		pipeline.Stage{Name: StompDisconnectStage, Handler: &disconnectHandler{cctx: cctx}},
		pipeline.Stage{Name: StompSubscribeStage, Handler: &subscribeHandler{cctx: cctx}},
		pipeline.Stage{Name: StompUnsubscribeStage, Handler: &unsubscribeHandler{cctx: cctx}},
		pipeline.Stage{Name: StompBeginStage, Handler: &beginHandler{cctx: cctx}},
		pipeline.Stage{Name: StompCommitStage, Handler: &commitHandler{cctx: cctx}},
		pipeline.Stage{Name: StompAbortStage, Handler: &abortHandler{cctx: cctx}},
		pipeline.Stage{Name: StompAckStage, Handler: &ackHandler{cctx: cctx, nack: false}},
		pipeline.Stage{Name: StompNackStage, Handler: &ackHandler{cctx: cctx, nack: true}},
		pipeline.Stage{Name: StompReceiptStage, Handler: &receiptHandler{}},
		pipeline.Stage{Name: StompMessageCodecStage, Handler: &messageCodec{cctx: cctx}},
	)

	if opts.SendOffload {
		if cctx.executor == nil {
			cctx.executor = newSendExecutor()
		}
		stages = append(stages, pipeline.Stage{
			Name:    StompSendThreadingStage,
			Handler: &sendThreading{cctx: cctx, executor: cctx.executor},
		})
	}

	return append(stages, pipeline.Stage{Name: StompSendStage, Handler: &sendHandler{cctx: cctx}})
}
