// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package stompserver

import (
	"sync"

	"github.com/eapache/queue"
)

// sendExecutor runs tasks one at a time, in submission order, on a goroutine
// that exists only while the queue is non-empty.
type sendExecutor struct {
	lock    sync.Mutex
	tasks   *queue.Queue
	running bool
	closed  bool
	pending sync.WaitGroup
}

func newSendExecutor() *sendExecutor {
	return &sendExecutor{tasks: queue.New()}
}

// Submit queues task. It returns false once the executor is closed.
func (e *sendExecutor) Submit(task func()) bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.closed {
		return false
	}
	e.pending.Add(1)
	e.tasks.Add(task)
	if !e.running {
		e.running = true
		go e.run()
	}
	return true
}

func (e *sendExecutor) run() {
	for {
		e.lock.Lock()
		if e.tasks.Length() == 0 {
			e.running = false
			e.lock.Unlock()
			return
		}
		task := e.tasks.Remove().(func())
		e.lock.Unlock()

		task()
		e.pending.Done()
	}
}

// Drain blocks until every submitted task has run. It must not be called
// from inside a task.
func (e *sendExecutor) Drain() {
	e.pending.Wait()
}

// Close rejects further tasks and waits for the queued ones.
func (e *sendExecutor) Close() {
	e.lock.Lock()
	e.closed = true
	e.lock.Unlock()
	e.Drain()
}
