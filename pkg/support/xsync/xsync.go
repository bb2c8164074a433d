// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements some extra synchronization tools.
package xsync

import "sync"

// LatchWithValue implements a "latch" synchronization mechanism that carries the value given
// by the first Trigger.
//
// A latch is a signal that can be waited for until it is triggered.
// Once triggered it never changes state, it's forever triggered.
type LatchWithValue[T any] struct {
	muTrigger sync.Mutex
	wait      chan struct{}
	value     T
}

// NewLatchWithValue returns an un-triggered latch.
func NewLatchWithValue[T any]() *LatchWithValue[T] {
	return &LatchWithValue[T]{
		wait: make(chan struct{}),
	}
}

// Trigger latch and saves the associated value. Only the first call has an effect,
// and it returns true in that case.
func (l *LatchWithValue[T]) Trigger(value T) bool {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()
	if l.Test() {
		return false
	}
	l.value = value
	close(l.wait)
	return true
}

// Test checks whether the latch has been triggered.
func (l *LatchWithValue[T]) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// WaitChan returns the channel that one can use on a `select` to check when
// the latch triggers.
// The returned channel is closed when the latch is triggered.
func (l *LatchWithValue[T]) WaitChan() <-chan struct{} {
	return l.wait
}

// Value returns the value the latch was triggered with, and whether it has been triggered.
func (l *LatchWithValue[T]) Value() (T, bool) {
	if !l.Test() {
		var zero T
		return zero, false
	}
	return l.value, true
}

// SendNoBlock status values.
const (
	Sent = iota
	WouldBlock
	Closed
)

// SendNoBlock tries to send value through the channel.
// It returns Sent if the value was sent, WouldBlock if sending it would block (channel buffer full)
// or Closed if the channel `c` was closed.
func SendNoBlock[T any](c chan T, value T) (status int) {
	defer func() {
		exception := recover()
		if exception != nil {
			status = Closed
		}
	}()
	select {
	case c <- value:
		status = Sent
	default:
		status = WouldBlock
	}
	return
}
