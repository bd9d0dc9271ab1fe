package combine

import (
	"sync"

	"github.com/pkg/errors"
)

var errBarrierBroken = errors.New("combine: lane barrier broken")

// laneBarrier is a cyclic barrier for the lanes of one compute unit.
type laneBarrier struct {
	mu         sync.Mutex
	cond       sync.Cond
	parties    int
	waiting    int
	generation uint64
	broken     bool
}

func newLaneBarrier(parties int) *laneBarrier {
	b := &laneBarrier{parties: parties}
	b.cond = sync.Cond{L: &b.mu}
	return b
}

// wait blocks until every lane has arrived. The last lane to arrive runs action
// (if any) before the others are released. It panics with errBarrierBroken once
// a faulting lane has called breakAll.
func (b *laneBarrier) wait(action func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broken {
		panic(errBarrierBroken)
	}
	gen := b.generation
	b.waiting++
	if b.waiting == b.parties {
		if action != nil {
			action()
		}
		b.waiting = 0
		b.generation++
		b.cond.Broadcast()
		return
	}
	for gen == b.generation && !b.broken {
		b.cond.Wait()
	}
	if gen == b.generation {
		panic(errBarrierBroken)
	}
}

func (b *laneBarrier) breakAll() {
	b.mu.Lock()
	b.broken = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

type reduceOp func(a, b float32) float32

// maxOp ignores a NaN right-hand side, like fmaxf.
func maxOp(a, b float32) float32 {
	if b > a {
		return b
	}
	return a
}

func sumOp(a, b float32) float32 { return a + b }

// treeReduce folds a power-of-two sized group pairwise, halving it each round.
// tmp must hold len(vals) values.
func treeReduce(vals, tmp []float32, op reduceOp) float32 {
	tmp = tmp[:len(vals)]
	copy(tmp, vals)
	for n := len(tmp); n > 1; n /= 2 {
		half := n / 2
		for i := range half {
			tmp[i] = op(tmp[i], tmp[i+half])
		}
	}
	return tmp[0]
}

// laneGroup reduces a scalar across groups of width consecutive lanes.
type laneGroup struct {
	barrier *laneBarrier
	xchg    []float32
	width   int
}

func newLaneGroup(barrier *laneBarrier, lanes, width int) *laneGroup {
	return &laneGroup{barrier: barrier, xchg: make([]float32, lanes), width: width}
}

// allreduce returns op folded over the values of lane's group; every lane of
// the group gets the same bits. All lanes of the unit must call it together.
func (g *laneGroup) allreduce(lane int, v float32, tmp []float32, op reduceOp) float32 {
	if g.width == 1 {
		return v
	}
	g.xchg[lane] = v
	g.barrier.wait(nil)
	base := lane / g.width * g.width
	r := treeReduce(g.xchg[base:base+g.width], tmp, op)
	g.barrier.wait(nil)
	return r
}
