// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package stompserver

import (
	"errors"
	"fmt"

	"github.com/vmware/stomp-conduit/wsframe"
)

const (
	notConnectedStompError         = stompErrorMessage("not connected")
	unexpectedStompCommandError    = stompErrorMessage("unexpected frame command")
	unsupportedStompCommandError   = stompErrorMessage("unsupported command")
	unsupportedStompVersionError   = stompErrorMessage("unsupported STOMP version")
	invalidSubscriptionError       = stompErrorMessage("invalid subscription")
	invalidFrameError              = stompErrorMessage("invalid frame")
	invalidHeaderError             = stompErrorMessage("invalid frame header")
	frameTooLargeError             = stompErrorMessage("frame too large")
	missingTransactionHeaderError  = stompErrorMessage("missing transaction header")
	unknownTransactionError        = stompErrorMessage("unknown transaction")
	transactionAlreadyExistsError  = stompErrorMessage("transaction already exists")
	unknownAcknowledgementError    = stompErrorMessage("unknown message acknowledgement")
	providerConnectionRefusedError = stompErrorMessage("provider refused connection")
	invalidSendDestinationError    = stompErrorMessage("invalid send destination")
)

type stompErrorMessage string

func (e stompErrorMessage) Error() string {
	return string(e)
}

// ErrTransactionTerminated is wrapped by a TransactionError raised when an
// operation targets a transaction that has already committed or aborted.
var ErrTransactionTerminated = errors.New("transaction already terminated")

// TransactionError is the one error kind surfaced by StompTransaction. Err is
// the underlying failure, usually one of the provider transaction sentinels.
type TransactionError struct {
	TransactionID string
	Op            string
	Err           error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s: %s failed: %v", e.TransactionID, e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// ClassificationError reports a connection whose transport could not be
// identified or whose WebSocket handshake was invalid.
type ClassificationError struct {
	Reason string
}

func (e *ClassificationError) Error() string {
	return "transport classification failed: " + e.Reason
}

// isConnectionFatal reports whether err must close the connection without an
// ERROR frame, because the peer is not speaking STOMP framing we can reply in.
func isConnectionFatal(err error) bool {
	var ce *ClassificationError
	if errors.As(err, &ce) {
		return true
	}
	return errors.Is(err, wsframe.ErrProtocolViolation) ||
		errors.Is(err, wsframe.ErrFrameTooLarge) ||
		errors.Is(err, wsframe.ErrMalformedLength)
}
