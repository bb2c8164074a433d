// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatchWithValue(t *testing.T) {
	l := NewLatchWithValue[string]()
	assert.False(t, l.Test())
	_, ok := l.Value()
	assert.False(t, ok)

	done := make(chan string)
	go func() {
		<-l.WaitChan()
		v, _ := l.Value()
		done <- v
	}()
	assert.True(t, l.Trigger("first"))
	assert.False(t, l.Trigger("second"))
	select {
	case v := <-done:
		assert.Equal(t, "first", v)
	case <-time.After(5 * time.Second):
		t.Fatal("latch waiter never woke up")
	}
	assert.True(t, l.Test())
	v, ok := l.Value()
	assert.True(t, ok)
	assert.Equal(t, "first", v)
}

func TestSendNoBlock(t *testing.T) {
	c := make(chan int, 1)
	assert.Equal(t, Sent, SendNoBlock(c, 1))
	assert.Equal(t, WouldBlock, SendNoBlock(c, 2))
	close(c)
	assert.Equal(t, Closed, SendNoBlock(c, 3))
}
