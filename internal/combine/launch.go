package combine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/rsxdalv/flash-attention/internal/logger"
)

// Grid returns the number of query tiles per batch instance and the number of
// batch instances. Outside varlen mode all batches share one flattened index
// space, so the second dimension is 1.
func (k *Kernel[E]) Grid(p *Params[E]) (mBlocks, batches int) {
	rows := p.Shape.Seqlen * p.Shape.Heads * p.Shape.Batch
	batches = 1
	if k.cfg.Varlen {
		rows = p.maxSeqlen * p.Shape.Heads
		batches = p.batches
	}
	return (rows + k.cfg.BlockM - 1) / k.cfg.BlockM, batches
}

// Launch runs every compute unit of the grid. Units never wait on each other;
// at most Workers run at once. Cancelling ctx stops units that have not started
// yet, a started unit always completes, so outputs are partial after a
// cancellation.
func (k *Kernel[E]) Launch(ctx context.Context, p *Params[E]) error {
	log := logger.FromContext(ctx)
	mBlocks, batches := k.Grid(p)
	start := time.Now()

	engine := newCopyEngine(k.cfg.copyWorkers(), k.cfg.Lanes*Stages)
	defer engine.close()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(k.cfg.workers())
schedule:
	for b := range batches {
		for m := range mBlocks {
			if gctx.Err() != nil {
				break schedule
			}
			g.Go(func() error { return k.runUnit(p, engine, m, b) })
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "combine launch cancelled")
	}

	log.Debug("combine launch complete",
		"dtype", DTypeName[E](),
		"m_blocks", mBlocks,
		"batches", batches,
		"splits", p.Shape.Splits,
		"scratch_bytes", k.geom.ScratchBytes,
		"elapsed", time.Since(start),
	)
	return nil
}

// Combine validates args and launches the kernel over them.
func (k *Kernel[E]) Combine(ctx context.Context, args Arguments[E]) error {
	p, err := k.NewParams(args)
	if err != nil {
		return err
	}
	return k.Launch(ctx, p)
}
