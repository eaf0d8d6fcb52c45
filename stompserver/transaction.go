// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package stompserver

import (
	"context"
	"errors"
	"sync"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/sirupsen/logrus"
	"github.com/vmware/stomp-conduit/log"
	"github.com/vmware/stomp-conduit/provider"
)

type transactionState int

const (
	txCreated transactionState = iota
	txActive
	txCommitted
	txAborted
)

func (s transactionState) String() string {
	switch s {
	case txCreated:
		return "created"
	case txActive:
		return "active"
	case txCommitted:
		return "committed"
	case txAborted:
		return "aborted"
	}
	return "unknown"
}

func (s transactionState) terminal() bool {
	return s == txCommitted || s == txAborted
}

// StompTransaction binds one client transaction id to a provider transaction.
// Between operations the provider transaction is suspended; each operation
// resumes it on the connection's unit of work, does its one piece of work and
// suspends it again. Commit and Abort end it.
type StompTransaction struct {
	id     string
	cctx   *ConnectionContext
	handle provider.Transaction

	lock  sync.Mutex
	state transactionState
	// acks settled inside the transaction; an abort makes them pending again
	acks []*pendingAck
}

// beginTransaction starts a provider transaction for id and leaves it
// suspended.
func beginTransaction(cctx *ConnectionContext, id string) (*StompTransaction, error) {
	tm := cctx.TransactionManager()

	cctx.bracket.Lock()
	defer cctx.bracket.Unlock()

	if err := tm.Begin(cctx.uow); err != nil {
		cctx.metrics.transactionOutcome("failed")
		return nil, &TransactionError{TransactionID: id, Op: "begin", Err: err}
	}
	handle, err := tm.Suspend(cctx.uow)
	if err == nil && handle == nil {
		err = provider.ErrIllegalState
	}
	if err != nil {
		tm.Rollback(cctx.uow)
		cctx.metrics.transactionOutcome("failed")
		return nil, &TransactionError{TransactionID: id, Op: "begin", Err: err}
	}

	tx := &StompTransaction{id: id, cctx: cctx, handle: handle, state: txCreated}
	tx.logger().Debug("transaction begun")
	cctx.metrics.transactionOutcome("begun")
	return tx, nil
}

func (tx *StompTransaction) ID() string {
	return tx.id
}

func (tx *StompTransaction) State() string {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	return tx.state.String()
}

func (tx *StompTransaction) logger() *logrus.Entry {
	return log.Log.Fields(logrus.Fields{"conn": tx.cctx.id, "tx": tx.id})
}

func (tx *StompTransaction) wrap(op string, err error) error {
	var txErr *TransactionError
	if errors.As(err, &txErr) {
		return err
	}
	tx.logger().Debugf("%s failed: %v", op, err)
	tx.cctx.metrics.transactionOutcome("failed")
	return &TransactionError{TransactionID: tx.id, Op: op, Err: err}
}

func (tx *StompTransaction) checkLive(op string) error {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	if tx.state.terminal() {
		return &TransactionError{TransactionID: tx.id, Op: op, Err: ErrTransactionTerminated}
	}
	return nil
}

func (tx *StompTransaction) setState(state transactionState) {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	if !tx.state.terminal() {
		tx.state = state
	}
}

// resumed runs fn with the transaction associated with the connection's unit
// of work, and suspends it afterwards whether or not fn failed.
func (tx *StompTransaction) resumed(op string, fn func(ctx context.Context) error) (err error) {
	if err := tx.checkLive(op); err != nil {
		return err
	}
	cctx := tx.cctx
	tm := cctx.TransactionManager()

	cctx.bracket.Lock()
	defer cctx.bracket.Unlock()

	if err := tm.Resume(cctx.uow, tx.handle); err != nil {
		return tx.wrap(op, err)
	}
	tx.setState(txActive)
	defer func() {
		if _, serr := tm.Suspend(cctx.uow); serr != nil && err == nil {
			err = tx.wrap(op, serr)
		}
	}()

	if err := fn(provider.WithUnitOfWork(context.Background(), cctx.uow)); err != nil {
		return tx.wrap(op, err)
	}
	return nil
}

// finish resumes the transaction and ends it with end. The transaction is
// terminal afterwards even when end fails.
func (tx *StompTransaction) finish(op string, outcome transactionState, end func(tm provider.TransactionManager, uow *provider.UnitOfWork) error) error {
	if err := tx.checkLive(op); err != nil {
		return err
	}
	cctx := tx.cctx
	tm := cctx.TransactionManager()

	cctx.bracket.Lock()
	defer cctx.bracket.Unlock()

	if err := tm.Resume(cctx.uow, tx.handle); err != nil {
		tx.setState(txAborted)
		tx.rollbackDetached(tm, err)
		tx.restoreAcks()
		return tx.wrap(op, err)
	}
	if err := end(tm, cctx.uow); err != nil {
		tx.setState(txAborted)
		tx.restoreAcks()
		return tx.wrap(op, err)
	}
	tx.setState(outcome)
	if outcome == txAborted {
		tx.restoreAcks()
	} else {
		tx.takeRetainedAcks()
	}
	tx.logger().Debugf("transaction %s", outcome)
	cctx.metrics.transactionOutcome(outcome.String())
	return nil
}

// rollbackDetached ends a provider transaction that could not be resumed, so
// that it does not stay open until the connection drops.
func (tx *StompTransaction) rollbackDetached(tm provider.TransactionManager, cause error) {
	logger := tx.logger().WithField("handle", tx.handle.ID())
	r, ok := tm.(provider.DetachedRollbacker)
	if !ok {
		logger.Warnf("provider transaction orphaned after resume failed: %v", cause)
		return
	}
	if err := r.RollbackDetached(tx.handle); err != nil {
		logger.Warnf("rollback of detached provider transaction failed: %v", err)
		return
	}
	logger.Warnf("provider transaction rolled back after resume failed: %v", cause)
}

func (tx *StompTransaction) retainAck(p *pendingAck) {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	tx.acks = append(tx.acks, p)
}

func (tx *StompTransaction) takeRetainedAcks() []*pendingAck {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	acks := tx.acks
	tx.acks = nil
	return acks
}

// restoreAcks returns the acknowledgements rolled back with the transaction
// to the connection, where the client may settle them again.
func (tx *StompTransaction) restoreAcks() {
	tx.cctx.restoreAcks(tx.takeRetainedAcks())
}

func (tx *StompTransaction) Commit() error {
	return tx.finish("commit", txCommitted, func(tm provider.TransactionManager, uow *provider.UnitOfWork) error {
		return tm.Commit(uow)
	})
}

func (tx *StompTransaction) Abort() error {
	return tx.finish("abort", txAborted, func(tm provider.TransactionManager, uow *provider.UnitOfWork) error {
		return tm.Rollback(uow)
	})
}

// Send delivers msg through the connection's provider connection as part of
// the transaction. The transaction header is removed from the copy sent.
func (tx *StompTransaction) Send(msg *frame.Frame) error {
	out := msg.Clone()
	out.Header.Del(frame.Transaction)
	return tx.resumed("send", func(ctx context.Context) error {
		conn := tx.cctx.ProviderConnection()
		if conn == nil {
			return notConnectedStompError
		}
		return conn.Send(ctx, out)
	})
}

func (tx *StompTransaction) Ack(a provider.Acknowledger) error {
	return tx.resumed("ack", func(ctx context.Context) error {
		return a.Ack(ctx)
	})
}

func (tx *StompTransaction) Nack(a provider.Acknowledger) error {
	return tx.resumed("nack", func(ctx context.Context) error {
		return a.Nack(ctx)
	})
}
