// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/vmware/stomp-conduit/log"
	"github.com/vmware/stomp-conduit/provider"
)

type txState int

const (
	txActive txState = iota
	txMarkedRollback
	txCommitted
	txRolledBack
)

func (s txState) String() string {
	switch s {
	case txActive:
		return "active"
	case txMarkedRollback:
		return "marked-rollback"
	case txCommitted:
		return "committed"
	case txRolledBack:
		return "rolled-back"
	}
	return "unknown"
}

// Work is a unit of deferred effect enlisted in a transaction. Commit runs when
// the transaction commits; Rollback (optional) runs when it rolls back.
type Work struct {
	Commit   func() error
	Rollback func()
}

// Transaction is the in-memory transaction handle.
type Transaction struct {
	id         string
	lock       sync.Mutex
	state      txState
	associated bool
	work       []Work
	lastUsed   time.Time
}

func (tx *Transaction) ID() string {
	return tx.id
}

// Enlist defers w until the transaction finishes.
func (tx *Transaction) Enlist(w Work) error {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	if tx.state != txActive {
		return fmt.Errorf("%w: cannot enlist in %s transaction %s", provider.ErrIllegalState, tx.state, tx.id)
	}
	tx.work = append(tx.work, w)
	return nil
}

// SetRollbackOnly marks the transaction so that Commit rolls it back instead.
func (tx *Transaction) SetRollbackOnly() {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	if tx.state == txActive {
		tx.state = txMarkedRollback
	}
}

func (tx *Transaction) String() string {
	return fmt.Sprintf("[memory tx %s]", tx.id)
}

// TransactionManager keeps transactions in memory. Enlisted work runs at commit
// in enlistment order. Transactions left detached for longer than the idle
// timeout are rolled back by a periodic reaper.
type TransactionManager struct {
	lock        sync.Mutex
	txs         map[string]*Transaction
	idleTimeout time.Duration
	now         func() time.Time
	reaper      *cron.Cron
}

// NewTransactionManager returns a manager. An idleTimeout of zero disables reaping.
func NewTransactionManager(idleTimeout time.Duration) *TransactionManager {
	return &TransactionManager{
		txs:         make(map[string]*Transaction),
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

// StartReaper schedules the idle transaction reaper to run every interval.
func (tm *TransactionManager) StartReaper(interval time.Duration) error {
	if tm.idleTimeout <= 0 {
		return nil
	}
	tm.reaper = cron.New()
	if _, err := tm.reaper.AddFunc(fmt.Sprintf("@every %s", interval), func() { tm.Reap() }); err != nil {
		return err
	}
	tm.reaper.Start()
	return nil
}

func (tm *TransactionManager) StopReaper() {
	if tm.reaper != nil {
		<-tm.reaper.Stop().Done()
	}
}

// Active returns the number of unfinished transactions.
func (tm *TransactionManager) Active() int {
	tm.lock.Lock()
	defer tm.lock.Unlock()
	return len(tm.txs)
}

func (tm *TransactionManager) Begin(uow *provider.UnitOfWork) error {
	tx := &Transaction{
		id:         uuid.New().String(),
		state:      txActive,
		associated: true,
		lastUsed:   tm.now(),
	}
	if err := uow.Associate(tx); err != nil {
		return fmt.Errorf("begin: unit of work already has a transaction: %w", err)
	}

	tm.lock.Lock()
	tm.txs[tx.id] = tx
	tm.lock.Unlock()
	return nil
}

func (tm *TransactionManager) Suspend(uow *provider.UnitOfWork) (provider.Transaction, error) {
	current := uow.Disassociate()
	if current == nil {
		return nil, nil
	}
	tx, ok := current.(*Transaction)
	if !ok {
		return nil, fmt.Errorf("%w: foreign transaction %s", provider.ErrSystem, current.ID())
	}

	tx.lock.Lock()
	tx.associated = false
	tx.lastUsed = tm.now()
	tx.lock.Unlock()
	return tx, nil
}

func (tm *TransactionManager) Resume(uow *provider.UnitOfWork, handle provider.Transaction) error {
	tx, ok := handle.(*Transaction)
	if !ok || tx == nil {
		return fmt.Errorf("%w: not a memory transaction", provider.ErrInvalidTransaction)
	}

	tx.lock.Lock()
	defer tx.lock.Unlock()

	if tx.state != txActive && tx.state != txMarkedRollback {
		return fmt.Errorf("%w: transaction %s is %s", provider.ErrInvalidTransaction, tx.id, tx.state)
	}
	if tx.associated {
		return fmt.Errorf("%w: transaction %s is already associated", provider.ErrIllegalState, tx.id)
	}
	if err := uow.Associate(tx); err != nil {
		return fmt.Errorf("resume %s: %w", tx.id, err)
	}
	tx.associated = true
	tx.lastUsed = tm.now()
	return nil
}

func (tm *TransactionManager) detach(uow *provider.UnitOfWork) (*Transaction, error) {
	current := uow.Disassociate()
	if current == nil {
		return nil, fmt.Errorf("%w: no transaction associated", provider.ErrIllegalState)
	}
	tx, ok := current.(*Transaction)
	if !ok {
		return nil, fmt.Errorf("%w: foreign transaction %s", provider.ErrSystem, current.ID())
	}

	tm.lock.Lock()
	delete(tm.txs, tx.id)
	tm.lock.Unlock()
	return tx, nil
}

// Commit runs the enlisted work in order. If the first piece of work fails the
// transaction rolls back; if a later one fails the outcome is heuristic mixed.
func (tm *TransactionManager) Commit(uow *provider.UnitOfWork) error {
	tx, err := tm.detach(uow)
	if err != nil {
		return err
	}

	tx.lock.Lock()
	state := tx.state
	work := tx.work
	tx.work = nil
	tx.associated = false
	if state == txMarkedRollback {
		tx.state = txRolledBack
	} else {
		tx.state = txCommitted
	}
	tx.lock.Unlock()

	if state == txMarkedRollback {
		runRollback(work)
		return fmt.Errorf("%w: transaction %s was marked rollback-only", provider.ErrRollback, tx.id)
	}

	for i, w := range work {
		if w.Commit == nil {
			continue
		}
		if err := w.Commit(); err != nil {
			if i == 0 {
				tx.lock.Lock()
				tx.state = txRolledBack
				tx.lock.Unlock()
				runRollback(work)
				return fmt.Errorf("%w: %s: %v", provider.ErrRollback, tx.id, err)
			}
			return fmt.Errorf("%w: %s: %d of %d effects applied: %v", provider.ErrHeuristicMixed, tx.id, i, len(work), err)
		}
	}
	return nil
}

func (tm *TransactionManager) Rollback(uow *provider.UnitOfWork) error {
	tx, err := tm.detach(uow)
	if err != nil {
		return err
	}
	tm.rollback(tx)
	return nil
}

// RollbackDetached rolls back a suspended transaction without resuming it.
func (tm *TransactionManager) RollbackDetached(handle provider.Transaction) error {
	tx, ok := handle.(*Transaction)
	if !ok || tx == nil {
		return fmt.Errorf("%w: not a memory transaction", provider.ErrInvalidTransaction)
	}

	tx.lock.Lock()
	state, associated := tx.state, tx.associated
	tx.lock.Unlock()
	if state != txActive && state != txMarkedRollback {
		return fmt.Errorf("%w: transaction %s is %s", provider.ErrInvalidTransaction, tx.id, state)
	}
	if associated {
		return fmt.Errorf("%w: transaction %s is associated", provider.ErrIllegalState, tx.id)
	}

	tm.lock.Lock()
	delete(tm.txs, tx.id)
	tm.lock.Unlock()
	tm.rollback(tx)
	return nil
}

func (tm *TransactionManager) rollback(tx *Transaction) {
	tx.lock.Lock()
	work := tx.work
	tx.work = nil
	tx.associated = false
	tx.state = txRolledBack
	tx.lock.Unlock()
	runRollback(work)
}

func runRollback(work []Work) {
	for i := len(work) - 1; i >= 0; i-- {
		if work[i].Rollback != nil {
			work[i].Rollback()
		}
	}
}

// Reap rolls back detached transactions idle for longer than the idle timeout
// and returns how many it rolled back.
func (tm *TransactionManager) Reap() int {
	if tm.idleTimeout <= 0 {
		return 0
	}

	cutoff := tm.now().Add(-tm.idleTimeout)
	var stale []*Transaction

	tm.lock.Lock()
	for id, tx := range tm.txs {
		tx.lock.Lock()
		if !tx.associated && tx.lastUsed.Before(cutoff) {
			stale = append(stale, tx)
			delete(tm.txs, id)
		}
		tx.lock.Unlock()
	}
	tm.lock.Unlock()

	for _, tx := range stale {
		log.Log.Fields(logrus.Fields{"tx": tx.id}).Warn("rolling back idle transaction")
		tm.rollback(tx)
	}
	return len(stale)
}
