// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package amqp

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/vmware/stomp-conduit/provider"
)

var (
	_ provider.TransactionManager = (*TransactionManager)(nil)
	_ provider.DetachedRollbacker = (*TransactionManager)(nil)
)

// Transaction owns one AMQP channel in transactional mode. Publishes made
// while it is current go to that channel; acknowledgements are applied after
// the channel commits.
type Transaction struct {
	id   string
	ch   Channel
	lock sync.Mutex
	done bool
	// settlements run after TxCommit succeeds
	settlements []func() error
}

func (tx *Transaction) ID() string {
	return tx.id
}

func (tx *Transaction) afterCommit(fn func() error) {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	tx.settlements = append(tx.settlements, fn)
}

func (tx *Transaction) finish() ([]func() error, error) {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	if tx.done {
		return nil, fmt.Errorf("%w: transaction %s already finished", provider.ErrInvalidTransaction, tx.id)
	}
	tx.done = true
	s := tx.settlements
	tx.settlements = nil
	return s, nil
}

// TransactionManager maps transactions to AMQP transactional channels.
type TransactionManager struct {
	open ChannelOpener
}

func (tm *TransactionManager) Begin(uow *provider.UnitOfWork) error {
	if uow.Current() != nil {
		return fmt.Errorf("begin: %w", provider.ErrIllegalState)
	}
	ch, err := tm.open()
	if err != nil {
		return fmt.Errorf("%w: open channel: %v", provider.ErrSystem, err)
	}
	if err := ch.Tx(); err != nil {
		ch.Close()
		return fmt.Errorf("%w: select tx mode: %v", provider.ErrSystem, err)
	}
	tx := &Transaction{id: uuid.New().String(), ch: ch}
	if err := uow.Associate(tx); err != nil {
		ch.Close()
		return fmt.Errorf("begin: %w", err)
	}
	return nil
}

func (tm *TransactionManager) Suspend(uow *provider.UnitOfWork) (provider.Transaction, error) {
	current := uow.Disassociate()
	if current == nil {
		return nil, nil
	}
	return current, nil
}

func (tm *TransactionManager) Resume(uow *provider.UnitOfWork, handle provider.Transaction) error {
	tx, ok := handle.(*Transaction)
	if !ok || tx == nil {
		return fmt.Errorf("%w: not an amqp transaction", provider.ErrInvalidTransaction)
	}
	tx.lock.Lock()
	done := tx.done
	tx.lock.Unlock()
	if done {
		return fmt.Errorf("%w: transaction %s already finished", provider.ErrInvalidTransaction, tx.id)
	}
	if err := uow.Associate(tx); err != nil {
		return fmt.Errorf("resume %s: %w", tx.id, err)
	}
	return nil
}

func (tm *TransactionManager) current(uow *provider.UnitOfWork) (*Transaction, error) {
	current := uow.Disassociate()
	if current == nil {
		return nil, fmt.Errorf("%w: no transaction associated", provider.ErrIllegalState)
	}
	tx, ok := current.(*Transaction)
	if !ok {
		return nil, fmt.Errorf("%w: foreign transaction %s", provider.ErrSystem, current.ID())
	}
	return tx, nil
}

func (tm *TransactionManager) Commit(uow *provider.UnitOfWork) error {
	tx, err := tm.current(uow)
	if err != nil {
		return err
	}
	settlements, err := tx.finish()
	if err != nil {
		return err
	}
	defer tx.ch.Close()

	if err := tx.ch.TxCommit(); err != nil {
		tx.ch.TxRollback()
		return fmt.Errorf("%w: %s: %v", provider.ErrRollback, tx.id, err)
	}
	for i, settle := range settlements {
		if err := settle(); err != nil {
			return fmt.Errorf("%w: %s: %d of %d acknowledgements applied: %v",
				provider.ErrHeuristicMixed, tx.id, i, len(settlements), err)
		}
	}
	return nil
}

func (tm *TransactionManager) Rollback(uow *provider.UnitOfWork) error {
	tx, err := tm.current(uow)
	if err != nil {
		return err
	}
	if _, err := tx.finish(); err != nil {
		return err
	}
	defer tx.ch.Close()

	if err := tx.ch.TxRollback(); err != nil {
		return fmt.Errorf("%w: %s: %v", provider.ErrSystem, tx.id, err)
	}
	return nil
}

// RollbackDetached rolls back a suspended transaction's channel and closes it.
func (tm *TransactionManager) RollbackDetached(handle provider.Transaction) error {
	tx, ok := handle.(*Transaction)
	if !ok || tx == nil {
		return fmt.Errorf("%w: not an amqp transaction", provider.ErrInvalidTransaction)
	}
	if _, err := tx.finish(); err != nil {
		return err
	}
	defer tx.ch.Close()

	if err := tx.ch.TxRollback(); err != nil {
		return fmt.Errorf("%w: %s: %v", provider.ErrSystem, tx.id, err)
	}
	return nil
}
