package combine

import (
	"sync"

	"github.com/pkg/errors"
)

// vecCopy is one vector transfer from a main buffer into scratch.
type vecCopy struct {
	dst, src []float32
}

// copyGroup is a batch of transfers committed together by one fence.
type copyGroup struct {
	copies []vecCopy
	done   chan struct{}
	err    error
}

func (g *copyGroup) execute() {
	defer close(g.done)
	defer func() {
		if rec := recover(); rec != nil {
			g.err = errors.Errorf("async copy failed: %v", rec)
		}
	}()
	for _, c := range g.copies {
		copy(c.dst, c.src)
	}
}

// copyEngine serves copy groups from all lanes of a launch on a bounded queue.
type copyEngine struct {
	queue chan *copyGroup
	wg    sync.WaitGroup
}

func newCopyEngine(workers, depth int) *copyEngine {
	e := &copyEngine{queue: make(chan *copyGroup, depth)}
	for range workers {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for g := range e.queue {
				g.execute()
			}
		}()
	}
	return e
}

// close stops the engine once every queued group has run.
func (e *copyEngine) close() {
	close(e.queue)
	e.wg.Wait()
}

// copyPipeline is one lane's view of the engine: transfers are issued into an
// open group, fence commits it, and wait(n) blocks until at most n committed
// groups are still in flight, draining oldest first.
type copyPipeline struct {
	engine  *copyEngine
	open    []vecCopy
	pending []*copyGroup
}

func (p *copyPipeline) issue(dst, src []float32) {
	p.open = append(p.open, vecCopy{dst: dst, src: src})
}

func (p *copyPipeline) fence() {
	g := &copyGroup{done: make(chan struct{})}
	if len(p.open) == 0 {
		close(g.done)
	} else {
		g.copies = p.open
		p.open = nil
		p.engine.queue <- g
	}
	p.pending = append(p.pending, g)
}

func (p *copyPipeline) wait(n int) {
	for len(p.pending) > n {
		g := p.pending[0]
		<-g.done
		p.pending[0] = nil
		p.pending = p.pending[1:]
		if g.err != nil {
			panic(g.err)
		}
	}
}

func (p *copyPipeline) inFlight() int { return len(p.pending) }
