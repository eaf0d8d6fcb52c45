// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package stompserver

import (
	"io"
	"net"
	"time"
)

// RawConnection is the byte stream of one accepted client.
type RawConnection interface {
	io.ReadWriteCloser
	// Set deadline for reading
	SetReadDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

type RawConnectionListener interface {
	// Blocks until a new RawConnection is established.
	Accept() (RawConnection, error)
	// Stops the connection listener.
	Close() error
}

// framedConnection is a RawConnection whose every Read returns bytes of whole
// messages and whose every Write becomes one message. Such connections skip
// transport detection.
type framedConnection interface {
	RawConnection
	framed()
}
