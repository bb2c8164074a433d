// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiling

import "github.com/gomlx/qmatmul/pkg/support/xslices"

const (
	// cubeBlock is the M/N granule of the compute engine.
	cubeBlock = 16

	// Alignment, in bytes, of the innermost axis of operands in L1, and of L2 lines.
	l1AlignBytes = 32
	l2AlignBytes = 128

	basicBlockSize = 256
	baseKBytes     = 128
	baseKLimit     = 4095

	perBlockSize     = 128
	perBlockLarge    = 256
	perBlockMaxStepK = 4

	baseMNRatio  = 2
	doubleBuffer = 2
)

var (
	ceilDiv   = xslices.CeilDiv[int]
	alignUp   = xslices.AlignUp[int]
	alignDown = xslices.AlignDown[int]
)

// baseBlock is the candidate baseM x baseN x baseK of a template.
type baseBlock struct {
	M, N, K  int
	Fallback bool
}

func (c *planContext) elems(bytes int) int { return c.operand.ElementsForBytes(bytes) }

func (c *planContext) alignM() int {
	if c.desc.TransA {
		return c.elems(l1AlignBytes)
	}
	return cubeBlock
}

func (c *planContext) alignN() int {
	if c.desc.TransB {
		return cubeBlock
	}
	return c.elems(l1AlignBytes)
}

func (c *planContext) alignK() int { return c.elems(l1AlignBytes) }

// primaryBase returns the basic block before any capacity fallback: at most 256 x 256 x 128 bytes,
// with M and N balanced down until the accumulator fits L0C.
func (c *planContext) primaryBase() baseBlock {
	d := c.desc
	b := baseBlock{
		M: alignUp(min(d.M, basicBlockSize), c.alignM()),
		N: alignUp(min(d.N, basicBlockSize), c.alignN()),
		K: alignUp(min(d.K, c.elems(baseKBytes)), c.alignK()),
	}
	if b.K > baseKLimit {
		b.K = alignDown(baseKLimit, c.alignK())
	}
	for b.M*b.N*AccumSize > c.platform.L0CSize {
		if !c.shrinkMN(&b) {
			break
		}
	}
	return b
}

// perBlockBase returns the base block of per-block quantization: M and N blocks are multiples
// of the 128 quantization block, K is exactly one block.
func (c *planContext) perBlockBase() baseBlock {
	d := c.desc
	b := baseBlock{K: perBlockSize}
	if d.M <= perBlockSize || d.M%perBlockSize != 0 {
		b.M = perBlockSize
		b.N = perBlockSize
		if d.N%perBlockSize == 0 {
			b.N = perBlockLarge
		}
	} else {
		b.M, b.N = perBlockLarge, perBlockSize
	}
	return b
}

// perGroupBase returns the primary base block with baseK set to the largest aligned divisor of
// groupK of at most 128 bytes, so no K step straddles two groups.
func (c *planContext) perGroupBase() (baseBlock, error) {
	b := c.primary
	b.K = 0
	for k := alignDown(c.elems(baseKBytes), c.alignK()); k >= c.alignK(); k -= c.alignK() {
		if c.desc.GroupK%k == 0 {
			b.K = k
			break
		}
	}
	if b.K == 0 {
		return b, alignmentErrorf("no K step aligned to %d elements divides groupK=%d", c.alignK(), c.desc.GroupK)
	}
	return b, nil
}

// adjustSmallM rebalances baseM/baseN so that the blocks spread over the cores, keeping their
// aspect ratio under baseMNRatio, and grows baseK into the freed L0A space.
// It returns false if the problem's layout doesn't benefit from it.
func (c *planContext) adjustSmallM(b baseBlock) (baseBlock, bool) {
	d := c.desc
	cores := c.platform.CoreNum
	mAlign, nAlign := cubeBlock, c.elems(l2AlignBytes)
	if d.TransA {
		mAlign = c.elems(l2AlignBytes)
	}
	if d.TransB {
		nAlign = cubeBlock
	}
	kAlign := c.elems(l2AlignBytes)
	if d.TransA && !d.TransB {
		kAlign = c.elems(l1AlignBytes)
	}
	mMaxTile, nMaxTile := ceilDiv(d.M, mAlign), ceilDiv(d.N, nAlign)
	if mMaxTile*nMaxTile < cores && !(!d.TransA && d.TransB) {
		return b, false
	}

	mCore, nCore := ceilDiv(d.M, b.M), ceilDiv(d.N, b.N)
	tempM, tempN := b.M, b.N
	if mMaxTile < nMaxTile || (mMaxTile == nMaxTile && nAlign == cubeBlock) {
		tempM = alignUp(ceilDiv(d.M, mCore), mAlign)
		mCore = ceilDiv(d.M, tempM)
		nCore = max(1, cores/mCore)
		tempN = alignUp(ceilDiv(d.N, nCore), nAlign)
	} else {
		tempN = alignUp(ceilDiv(d.N, nCore), nAlign)
		nCore = ceilDiv(d.N, tempN)
		mCore = max(1, cores/nCore)
		tempM = alignUp(ceilDiv(d.M, mCore), mAlign)
	}
	rebalance := func() {
		tempM = alignUp(ceilDiv(d.M, mCore), mAlign)
		tempN = alignUp(ceilDiv(d.N, nCore), nAlign)
		mCore, nCore = ceilDiv(d.M, tempM), ceilDiv(d.N, tempN)
	}
	for tempN >= tempM*baseMNRatio && nCore < cores/2 && tempN != nAlign {
		nCore *= 2
		mCore = max(1, cores/nCore)
		rebalance()
	}
	for tempM >= tempN*baseMNRatio && mCore < cores/2 && tempM != mAlign {
		mCore *= 2
		nCore = max(1, cores/mCore)
		rebalance()
	}

	kMax := c.elems(c.platform.L0ASize/doubleBuffer) / max(tempM, tempN)
	if kMax < kAlign {
		return b, false
	}
	b.M, b.N = tempM, tempN
	b.K = min(alignUp(d.K, kAlign), alignDown(kMax, kAlign))
	if b.K > baseKLimit {
		b.K /= 2
	}
	return b, true
}

// shrinkMN halves the larger of baseM and baseN, baseM on a tie. It returns false if both are minimal.
func (c *planContext) shrinkMN(b *baseBlock) bool {
	canM, canN := b.M > c.alignM(), b.N > c.alignN()
	switch {
	case canM && (b.M >= b.N || !canN):
		b.M = alignUp(b.M/2, c.alignM())
	case canN:
		b.N = alignUp(b.N/2, c.alignN())
	default:
		return false
	}
	return true
}

// shrinkK reduces baseK. For staged quantization baseK must keep dividing groupK.
func (c *planContext) shrinkK(b *baseBlock) bool {
	align := c.alignK()
	if c.desc.Granularity.IsStaged() {
		for k := b.K - align; k >= align; k -= align {
			if c.desc.GroupK%k == 0 && k%align == 0 {
				b.K = k
				return true
			}
		}
		return false
	}
	if b.K <= align {
		return false
	}
	b.K = alignUp(b.K/2, align)
	return true
}

func shrinkDim(v *int, align int) bool {
	if *v <= align {
		return false
	}
	*v = alignUp(*v/2, align)
	return true
}

// overflow identifies the first on-chip memory a base block doesn't fit.
type overflow int

const (
	fits overflow = iota
	overL0C
	overL0A
	overL0B
	overL1
)

var overflowNames = []string{"fits", "L0C", "L0A", "L0B", "L1"}

func (o overflow) String() string { return overflowNames[o] }

// biasL1Bytes is the L1 space of the bias table: only Int32 biases are added by the compute engine.
func (c *planContext) biasL1Bytes(b baseBlock) int {
	if c.desc.HasBias && !c.desc.BiasDType.IsFloat() {
		return b.N * AccumSize
	}
	return 0
}

func (c *planContext) overflow(b baseBlock) overflow {
	sz := c.operand.Size()
	p := &c.platform
	switch {
	case b.M*b.N*AccumSize > p.L0CSize:
		return overL0C
	case b.M*b.K*sz*doubleBuffer > p.L0ASize:
		return overL0A
	case b.N*b.K*sz*doubleBuffer > p.L0BSize:
		return overL0B
	case (b.M+b.N)*b.K*sz*doubleBuffer+c.biasL1Bytes(b) > p.L1Size:
		return overL1
	}
	return fits
}

// fitCapacity shrinks the base block until it fits every on-chip memory: baseK first, then the
// M or N extent of the overflowing buffer. It marks the block as a fallback if it changed.
func (c *planContext) fitCapacity(b baseBlock) (baseBlock, error) {
	for {
		o := c.overflow(b)
		var shrunk bool
		switch o {
		case fits:
			return b, nil
		case overL0C:
			shrunk = c.shrinkMN(&b)
		case overL0A:
			shrunk = c.shrinkK(&b) || shrinkDim(&b.M, c.alignM())
		case overL0B:
			shrunk = c.shrinkK(&b) || shrinkDim(&b.N, c.alignN())
		case overL1:
			shrunk = c.shrinkK(&b) || c.shrinkMN(&b)
		}
		if !shrunk {
			return b, capacityf("base block %dx%dx%d doesn't fit %s of platform %q",
				b.M, b.N, b.K, o, c.platform.Name)
		}
		b.Fallback = true
	}
}

// fillL1 sets the L1 depths and K steps of a fitted base block, for a K extent of kLen per unit.
func (c *planContext) fillL1(mt *MatmulTiling, b baseBlock, kLen int, family Family) {
	sz := c.operand.Size()
	panelA, panelB := b.M*b.K*sz, b.N*b.K*sz
	left := c.platform.L1Size - c.biasL1Bytes(b)
	depthA, depthB := left/2/panelA, left/2/panelB
	if depthA < doubleBuffer || depthB < doubleBuffer {
		depthA = left / (panelA + panelB)
		depthB = depthA
	}
	kSteps := ceilDiv(kLen, b.K)
	stepKa := max(1, min(depthA/doubleBuffer, kSteps))
	stepKb := max(1, min(depthB/doubleBuffer, kSteps))
	if family == FamilyPerBlock {
		stepKa, stepKb = min(stepKa, perBlockMaxStepK), min(stepKb, perBlockMaxStepK)
	}
	if stepKa >= stepKb {
		stepKa = alignDown(stepKa, stepKb)
	} else {
		stepKb = alignDown(stepKb, stepKa)
	}

	mt.BaseM, mt.BaseN, mt.BaseK = b.M, b.N, b.K
	mt.SingleCoreM, mt.SingleCoreN, mt.SingleCoreK = b.M, b.N, kLen
	mt.StepKa, mt.StepKb = stepKa, stepKb
	mt.DepthA1, mt.DepthB1 = stepKa*doubleBuffer, stepKb*doubleBuffer
	mt.StepM, mt.StepN = 1, 1
	mt.DbL0A, mt.DbL0B, mt.DbL0C = doubleBuffer, doubleBuffer, 1
	if b.M*b.N*AccumSize*doubleBuffer <= c.platform.L0CSize {
		mt.DbL0C = doubleBuffer
	}
	mt.Fallback = b.Fallback
	mt.IterateOrder = 0
	if ceilDiv(c.desc.M, b.M) > ceilDiv(c.desc.N, b.N) {
		mt.IterateOrder = 1
	}
}
