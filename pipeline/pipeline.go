// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

// Package pipeline implements the ordered chain of processing stages owned by
// one connection.
//
// Inbound messages (raw bytes first, decoded values later) travel from the head
// of the chain towards the tail; each stage decides whether to pass a message on
// by calling Context.FireInbound. Outbound messages travel the other way, from
// the stage that wrote them towards the head, and finally reach the sink as bytes.
//
// The chain can be replaced exactly once, which is how transport detection swaps
// itself out for the protocol stages it selected.
package pipeline

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	ErrAlreadyReconfigured = errors.New("pipeline: stage chain already reconfigured")
	ErrClosed              = errors.New("pipeline: closed")
)

// InboundHandler receives messages travelling from the network towards the application.
type InboundHandler interface {
	HandleInbound(ctx *Context, msg interface{}) error
}

// OutboundHandler transforms a message travelling towards the network. Returning
// a nil message drops it.
type OutboundHandler interface {
	HandleOutbound(ctx *Context, msg interface{}) (interface{}, error)
}

// ClosedHandler is notified once when the connection behind the pipeline goes away.
type ClosedHandler interface {
	HandleClosed(ctx *Context)
}

// Stage is one named entry of the chain. Handler implements any combination
// of InboundHandler, OutboundHandler and ClosedHandler.
type Stage struct {
	Name    string
	Handler interface{}
}

type Pipeline struct {
	lock         sync.RWMutex
	stages       []Stage
	reconfigured bool

	writeLock sync.Mutex
	sink      io.WriteCloser
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// New creates a pipeline writing its outbound bytes to sink.
func New(sink io.WriteCloser, stages ...Stage) *Pipeline {
	p := &Pipeline{sink: sink}
	p.stages = append(p.stages, stages...)
	return p
}

func (p *Pipeline) snapshot() []Stage {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.stages
}

// Names returns the stage names in chain order.
func (p *Pipeline) Names() []string {
	stages := p.snapshot()
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name
	}
	return names
}

// Get returns the handler registered under name, or nil.
func (p *Pipeline) Get(name string) interface{} {
	for _, s := range p.snapshot() {
		if s.Name == name {
			return s.Handler
		}
	}
	return nil
}

// Reconfigured reports whether Replace has already run.
func (p *Pipeline) Reconfigured() bool {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.reconfigured
}

// Replace installs a new stage chain. It may only be called once per pipeline.
// Messages already in flight keep travelling through the chain they started on.
func (p *Pipeline) Replace(stages []Stage) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.reconfigured {
		return ErrAlreadyReconfigured
	}
	chain := make([]Stage, len(stages))
	copy(chain, stages)
	p.stages = chain
	p.reconfigured = true
	return nil
}

// FireInbound delivers msg to the first inbound handler of the current chain.
func (p *Pipeline) FireInbound(msg interface{}) error {
	ctx := &Context{pipeline: p, stages: p.snapshot(), index: -1}
	return ctx.FireInbound(msg)
}

// Write sends msg outbound starting from the tail of the current chain.
func (p *Pipeline) Write(msg interface{}) error {
	stages := p.snapshot()
	ctx := &Context{pipeline: p, stages: stages, index: len(stages)}
	return ctx.Write(msg)
}

// FireClosed notifies every ClosedHandler in chain order.
func (p *Pipeline) FireClosed() {
	stages := p.snapshot()
	for i, s := range stages {
		if h, ok := s.Handler.(ClosedHandler); ok {
			h.HandleClosed(&Context{pipeline: p, stages: stages, index: i})
		}
	}
}

// Close closes the sink. Later writes fail with ErrClosed.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.writeLock.Lock()
		p.closed = true
		p.writeLock.Unlock()
		p.closeErr = p.sink.Close()
	})
	return p.closeErr
}

func (p *Pipeline) writeOutbound(stages []Stage, from int, msg interface{}) error {
	p.writeLock.Lock()
	defer p.writeLock.Unlock()

	if p.closed {
		return ErrClosed
	}

	for i := from; i >= 0; i-- {
		h, ok := stages[i].Handler.(OutboundHandler)
		if !ok {
			continue
		}
		var err error
		msg, err = h.HandleOutbound(&Context{pipeline: p, stages: stages, index: i}, msg)
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}
	}

	b, ok := msg.([]byte)
	if !ok {
		return fmt.Errorf("pipeline: outbound message %T reached the sink unencoded", msg)
	}
	_, err := p.sink.Write(b)
	return err
}

// Context is a stage's view of the pipeline during one traversal.
type Context struct {
	pipeline *Pipeline
	stages   []Stage
	index    int
}

func (c *Context) Pipeline() *Pipeline {
	return c.pipeline
}

// Name returns the name of the stage this context belongs to.
func (c *Context) Name() string {
	if c.index < 0 || c.index >= len(c.stages) {
		return ""
	}
	return c.stages[c.index].Name
}

// FireInbound passes msg to the next inbound handler after this stage.
// A message that runs off the end of the chain is discarded.
func (c *Context) FireInbound(msg interface{}) error {
	for i := c.index + 1; i < len(c.stages); i++ {
		if h, ok := c.stages[i].Handler.(InboundHandler); ok {
			return h.HandleInbound(&Context{pipeline: c.pipeline, stages: c.stages, index: i}, msg)
		}
	}
	return nil
}

// Write sends msg outbound through the stages in front of this one.
func (c *Context) Write(msg interface{}) error {
	return c.pipeline.writeOutbound(c.stages, c.index-1, msg)
}

// Close closes the underlying sink.
func (c *Context) Close() error {
	return c.pipeline.Close()
}
