// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package provider

import (
	"context"
	"errors"
	"sync"
)

// Failure kinds reported by a TransactionManager. Implementations wrap these
// so callers can classify a failure with errors.Is.
var (
	ErrSecurity           = errors.New("transaction: security violation")
	ErrIllegalState       = errors.New("transaction: illegal state")
	ErrRollback           = errors.New("transaction: rolled back")
	ErrHeuristicMixed     = errors.New("transaction: heuristic mixed outcome")
	ErrHeuristicRollback  = errors.New("transaction: heuristic rollback")
	ErrSystem             = errors.New("transaction: system failure")
	ErrInvalidTransaction = errors.New("transaction: invalid transaction")
)

// Transaction is an opaque handle to one transaction of a TransactionManager.
type Transaction interface {
	ID() string
}

// TransactionManager follows the usual begin/suspend/resume/commit/rollback
// contract. A transaction is associated with at most one UnitOfWork at a time,
// and Commit and Rollback act on the transaction associated with uow and leave
// uow without one.
type TransactionManager interface {
	// Begin creates a transaction and associates it with uow.
	Begin(uow *UnitOfWork) error
	// Suspend detaches the transaction associated with uow and returns it.
	Suspend(uow *UnitOfWork) (Transaction, error)
	// Resume associates tx with uow. uow must not have a transaction already.
	Resume(uow *UnitOfWork, tx Transaction) error
	Commit(uow *UnitOfWork) error
	Rollback(uow *UnitOfWork) error
}

// DetachedRollbacker is implemented by managers that can roll back a
// transaction no unit of work is associated with.
type DetachedRollbacker interface {
	RollbackDetached(tx Transaction) error
}

// UnitOfWork is the explicit carrier of the "current transaction" that other
// transaction APIs keep in thread-local state. Each client connection owns one.
type UnitOfWork struct {
	lock sync.Mutex
	tx   Transaction
}

func NewUnitOfWork() *UnitOfWork {
	return &UnitOfWork{}
}

// Current returns the associated transaction, or nil.
func (u *UnitOfWork) Current() Transaction {
	if u == nil {
		return nil
	}
	u.lock.Lock()
	defer u.lock.Unlock()
	return u.tx
}

// Associate binds tx to the unit of work. It fails with ErrIllegalState if
// another transaction is already associated.
func (u *UnitOfWork) Associate(tx Transaction) error {
	u.lock.Lock()
	defer u.lock.Unlock()
	if u.tx != nil {
		return ErrIllegalState
	}
	u.tx = tx
	return nil
}

// Disassociate clears and returns the associated transaction.
func (u *UnitOfWork) Disassociate() Transaction {
	u.lock.Lock()
	defer u.lock.Unlock()
	tx := u.tx
	u.tx = nil
	return tx
}

type unitOfWorkKey struct{}

// WithUnitOfWork returns a context carrying uow.
func WithUnitOfWork(ctx context.Context, uow *UnitOfWork) context.Context {
	return context.WithValue(ctx, unitOfWorkKey{}, uow)
}

// UnitOfWorkFrom returns the UnitOfWork carried by ctx, or nil.
func UnitOfWorkFrom(ctx context.Context) *UnitOfWork {
	uow, _ := ctx.Value(unitOfWorkKey{}).(*UnitOfWork)
	return uow
}

// CurrentTransaction returns the transaction associated with the unit of work
// carried by ctx, or nil.
func CurrentTransaction(ctx context.Context) Transaction {
	return UnitOfWorkFrom(ctx).Current()
}
