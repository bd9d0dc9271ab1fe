package combine

import (
	"sync"

	"github.com/pkg/errors"
)

// Kernel is a validated combine configuration for output element type E.
type Kernel[E Element] struct {
	cfg     Config
	geom    Geometry
	convert func(float32) E
	scratch sync.Pool
}

func NewKernel[E Element](cfg Config) (*Kernel[E], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	k := &Kernel[E]{
		cfg:     cfg,
		geom:    cfg.Geometry(),
		convert: converter[E](),
	}
	k.scratch.New = func() any { return newSharedStorage(k.cfg, k.geom) }
	return k, nil
}

func (k *Kernel[E]) Config() Config     { return k.cfg }
func (k *Kernel[E]) Geometry() Geometry { return k.geom }

// unit is one compute unit: a tile of BlockM query rows of one batch instance.
type unit[E Element] struct {
	k       *Kernel[E]
	p       *Params[E]
	layout  unitLayout
	smem    *sharedStorage
	barrier *laneBarrier
	group   *laneGroup
	engine  *copyEngine
}

// laneState is everything a lane keeps in registers across the unit's phases.
type laneState struct {
	lane int
	pipe copyPipeline

	// Output partition: tile rows and 4-wide column chunks owned by the lane.
	rows   []int
	coords []rowCoord
	cols   []int
	colOK  []bool

	acc       []float32
	staged    []float32
	scale     []float32
	scaleLoad []float32

	// Merge partition scratch.
	scales []float32
	tmp    []float32
}

func (u *unit[E]) newLaneState(lane int) *laneState {
	cfg, g := u.k.cfg, u.k.geom
	ls := &laneState{lane: lane, pipe: copyPipeline{engine: u.engine}}

	for m := lane / g.ThreadsPerRow; m < cfg.BlockM; m += g.RowsPerPass {
		ls.rows = append(ls.rows, m)
		ls.coords = append(ls.coords, u.layout.resolve(cfg.BlockM, m))
	}
	for k := (lane % g.ThreadsPerRow) * ElemsPerLoad; k < cfg.HeadDim; k += g.BlockKGmem {
		ls.cols = append(ls.cols, k)
		ls.colOK = append(ls.colOK, k < u.p.Shape.Dim)
	}

	n := len(ls.rows) * len(ls.cols) * ElemsPerLoad
	ls.acc = make([]float32, n)
	ls.staged = make([]float32, n)
	ls.scale = make([]float32, len(ls.rows))
	ls.scaleLoad = make([]float32, len(ls.rows))
	ls.scales = make([]float32, g.MaxSplits/g.ThreadsPerColLSE)
	ls.tmp = make([]float32, g.ThreadsPerColLSE)
	return ls
}

// chunk returns the register slice of (row r, column chunk c) in buf.
func (ls *laneState) chunk(buf []float32, r, c int) []float32 {
	i := (r*len(ls.cols) + c) * ElemsPerLoad
	return buf[i : i+ElemsPerLoad : i+ElemsPerLoad]
}

func (u *unit[E]) runLane(lane int) {
	ls := u.newLaneState(lane)
	numSplits := u.p.Shape.Splits

	u.loadStatistics(ls)
	ls.pipe.fence()

	// Keep the first Stages-1 partial tiles in flight while statistics merge.
	for s := range Stages - 1 {
		if s < numSplits {
			u.issueOPartial(ls, s, s, false)
		}
		ls.pipe.fence()
	}
	ls.pipe.wait(Stages - 1)
	u.barrier.wait(u.smem.beginStatistics)

	u.mergeStatistics(ls)
	u.barrier.wait(u.smem.beginWeights)

	u.accumulate(ls)
	u.storeOutput(ls)
	ls.pipe.wait(0)
}

// run executes the unit's lanes to completion. A lane panic breaks the barrier
// so its siblings unwind, and comes back as an ErrUnitFault error.
func (k *Kernel[E]) runUnit(p *Params[E], engine *copyEngine, mBlock, batch int) error {
	smem := k.scratch.Get().(*sharedStorage)
	smem.reset()
	barrier := newLaneBarrier(k.cfg.Lanes)
	u := &unit[E]{
		k:       k,
		p:       p,
		layout:  p.unitLayout(k.cfg, mBlock, batch),
		smem:    smem,
		barrier: barrier,
		group:   newLaneGroup(barrier, k.cfg.Lanes, k.geom.ThreadsPerColLSE),
		engine:  engine,
	}

	var (
		wg    sync.WaitGroup
		once  sync.Once
		fault error
	)
	for lane := range k.cfg.Lanes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				barrier.breakAll()
				if err, ok := rec.(error); ok && errors.Is(err, errBarrierBroken) {
					return
				}
				once.Do(func() { fault = errors.Errorf("lane %d: %v", lane, rec) })
			}()
			u.runLane(lane)
		}()
	}
	wg.Wait()

	if fault != nil {
		// In-flight copies may still target this scratch; do not recycle it.
		return errors.Wrapf(ErrUnitFault, "m_block=%d batch=%d: %v", mBlock, batch, fault)
	}
	k.scratch.Put(smem)
	return nil
}
