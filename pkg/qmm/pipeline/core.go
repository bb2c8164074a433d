// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/qmatmul/pkg/qmm/scheduler"
	"github.com/gomlx/qmatmul/pkg/support/xsync"
	"k8s.io/klog/v2"
)

// handshake holds the per-slot tokens between the two roles of a core.
//
// dataReady[s] is raised by the compute role once slot s holds a finished block, and
// slotFree[s] by the vector role once it is done reading it. Each channel holds at most one
// token: raising a token that was not consumed is a protocol violation.
//
// abort is triggered with the first panic of either role, and wakes up the other one.
type handshake struct {
	core                int
	dataReady, slotFree []chan struct{}
	abort               *xsync.LatchWithValue[any]
}

func newHandshake(core, depth int) *handshake {
	h := &handshake{
		core:      core,
		dataReady: make([]chan struct{}, depth),
		slotFree:  make([]chan struct{}, depth),
		abort:     xsync.NewLatchWithValue[any](),
	}
	for s := range depth {
		h.dataReady[s] = make(chan struct{}, 1)
		h.slotFree[s] = make(chan struct{}, 1)
	}
	return h
}

// raise posts the token, panicking if the previous one was not consumed.
func (h *handshake) raise(tokens []chan struct{}, slot int, name string) {
	if xsync.SendNoBlock(tokens[slot], struct{}{}) != xsync.Sent {
		exceptions.Panicf("pipeline: core %d raised %s on slot %d twice without a wait in between", h.core, name, slot)
	}
}

// wait consumes the token. It returns false if the core was aborted.
func (h *handshake) wait(tokens []chan struct{}, slot int) bool {
	select {
	case <-tokens[slot]:
		return true
	case <-h.abort.WaitChan():
		return false
	}
}

// runCore runs both roles of one core and re-raises the first panic of either.
func (e *Executor) runCore(core int) {
	h := newHandshake(core, e.plan.Params.PipelineDepth)
	vectorDone := make(chan struct{})
	go func() {
		defer close(vectorDone)
		defer h.abortOnPanic()
		e.vectorLoop(core, h)
	}()
	func() {
		defer h.abortOnPanic()
		e.computeLoop(core, h)
	}()
	<-vectorDone
	if exception, aborted := h.abort.Value(); aborted {
		panic(exception)
	}
}

// abortOnPanic must be deferred by each role: it triggers the abort with the recovered panic.
func (h *handshake) abortOnPanic() {
	if exception := recover(); exception != nil {
		h.abort.Trigger(exception)
	}
}

// computeLoop fills the slots round-robin: the first depth units skip the wait on slotFree
// and, at the end, the role drains the outstanding slotFree tokens.
func (e *Executor) computeLoop(core int, h *handshake) {
	depth := e.plan.Params.PipelineDepth
	c := &e.counters
	role := newComputeRole(e, core)
	count := 0
	for block := range scheduler.New(e.plan, core).All() {
		slot := count % depth
		if count >= depth {
			if !h.wait(h.slotFree, slot) {
				return
			}
			c.freeConsumed.Add(1)
		} else {
			c.primingSkips.Add(1)
		}
		role.compute(block, e.slot(core, slot))
		c.blocks.Add(1)
		h.raise(h.dataReady, slot, "dataReady")
		c.readyRaised.Add(1)
		count++
	}
	outstanding := min(depth, count)
	for i := range outstanding {
		if !h.wait(h.slotFree, (count-outstanding+i)%depth) {
			return
		}
		c.freeConsumed.Add(1)
		c.drainWaits.Add(1)
	}
	if klog.V(3).Enabled() {
		klog.Infof("pipeline: core %d computed %d blocks", core, count)
	}
}

// vectorLoop consumes the slots in the same order: with split-K it accumulates them into the
// reduction area, otherwise it runs the epilogue and writes the output.
func (e *Executor) vectorLoop(core int, h *handshake) {
	depth := e.plan.Params.PipelineDepth
	c := &e.counters
	role := newVectorRole(e)
	count := 0
	for block := range scheduler.New(e.plan, core).All() {
		slot := count % depth
		if !h.wait(h.dataReady, slot) {
			return
		}
		c.readyConsumed.Add(1)
		data := e.slot(core, slot)
		if e.splitK {
			role.reduce(block, int32View(data))
		} else {
			stride := e.plan.Matmul.BaseN
			if e.staged {
				role.epilogue(block, nil, float32View(data), stride)
			} else {
				role.epilogue(block, int32View(data), nil, stride)
			}
		}
		h.raise(h.slotFree, slot, "slotFree")
		c.freeRaised.Add(1)
		count++
	}
}
