// Package combine merges the per-split partial outputs and log-sum-exp statistics
// produced by a split-KV attention pass into the final attention output.
//
// Work is laid out like the GPU kernel it mirrors: a grid of independent compute
// units, each owning one tile of BlockM query rows (and one sequence in varlen
// mode), and inside each unit a fixed number of lanes that share scratch memory,
// meet at barriers and exchange scalars through a small allreduce.
package combine

import (
	"runtime"

	"github.com/pkg/errors"
)

const (
	// Stages is the depth of the partial-output prefetch ring.
	Stages = 4
	// ElemsPerLoad is the number of float32 values moved by one vector copy (16 bytes).
	ElemsPerLoad = 4
	// MaxScratchBytes bounds the scratch memory a single compute unit may claim.
	MaxScratchBytes = 227 * 1024

	maxElemsPerLoadLSE = 4
	maxLogSplits       = 8
)

// Config is the launch-time configuration of a combine kernel. It is fixed for
// the lifetime of a Kernel and validated once, before any launch.
type Config struct {
	BlockM       int  `yaml:"block_m" json:"block_m"`
	HeadDim      int  `yaml:"head_dim" json:"head_dim"`
	LogMaxSplits int  `yaml:"log_max_splits" json:"log_max_splits"`
	Lanes        int  `yaml:"lanes" json:"lanes"`
	AlignmentLSE int  `yaml:"alignment_lse" json:"alignment_lse"`
	Varlen       bool `yaml:"varlen" json:"varlen"`

	// Workers caps the number of compute units running at once (0: GOMAXPROCS).
	Workers int `yaml:"workers" json:"workers"`
	// CopyWorkers is the number of goroutines serving async copies (0: 2).
	CopyWorkers int `yaml:"copy_workers" json:"copy_workers"`
}

// DefaultConfig returns the configuration used for decode-style problems:
// 8-row tiles, 128-wide heads and up to 32 splits.
func DefaultConfig() Config {
	return Config{
		BlockM:       8,
		HeadDim:      128,
		LogMaxSplits: 5,
		Lanes:        32,
		AlignmentLSE: 4,
	}
}

// Geometry holds the lane partitions derived from a Config.
type Geometry struct {
	MaxSplits int `json:"max_splits"`

	// Output tile partition: ThreadsPerRow lanes cover one row in 4-wide chunks
	// strided by BlockKGmem, RowsPerPass rows are covered per pass.
	BlockKGmem    int `json:"block_k_gmem"`
	ThreadsPerRow int `json:"threads_per_row"`
	RowsPerPass   int `json:"rows_per_pass"`

	// Statistic load partition over the (MaxSplits, BlockM) scratch tile.
	ElemsPerLoadLSE  int `json:"elems_per_load_lse"`
	BlockMSmem       int `json:"block_m_smem"`
	ThreadsPerRowLSE int `json:"threads_per_row_lse"`
	SplitRowsPerPass int `json:"split_rows_per_pass"`

	// Merge partition: ThreadsPerColLSE consecutive lanes share one query row.
	ThreadsPerColLSE int `json:"threads_per_col_lse"`

	ScratchBytes int `json:"scratch_bytes"`
}

// Geometry derives the lane partitions. The result is only meaningful for a
// configuration that passes Validate.
func (c Config) Geometry() Geometry {
	g := Geometry{MaxSplits: 1 << max(c.LogMaxSplits, 0)}

	switch {
	case c.HeadDim%128 == 0:
		g.BlockKGmem = 128
	case c.HeadDim%64 == 0:
		g.BlockKGmem = 64
	default:
		g.BlockKGmem = 32
	}
	g.ThreadsPerRow = g.BlockKGmem / ElemsPerLoad
	g.RowsPerPass = c.Lanes / g.ThreadsPerRow

	g.ElemsPerLoadLSE = min(max(c.AlignmentLSE, 1), maxElemsPerLoadLSE)
	g.BlockMSmem = 8
	for _, w := range []int{128, 64, 32, 16} {
		if c.BlockM%w == 0 {
			g.BlockMSmem = w
			break
		}
	}
	g.ThreadsPerRowLSE = g.BlockMSmem / g.ElemsPerLoadLSE
	g.SplitRowsPerPass = c.Lanes / g.ThreadsPerRowLSE
	g.ThreadsPerColLSE = c.Lanes / g.BlockMSmem

	g.ScratchBytes = 4 * (g.MaxSplits*c.BlockM + Stages*c.BlockM*c.HeadDim)
	return g
}

// Validate rejects configurations the lane partitions cannot serve.
func (c Config) Validate() error {
	switch {
	case c.BlockM <= 0 || c.BlockM%8 != 0:
		return errors.Wrapf(ErrInvalidConfig, "block_m=%d must be a positive multiple of 8", c.BlockM)
	case c.HeadDim <= 0 || c.HeadDim%32 != 0:
		return errors.Wrapf(ErrInvalidConfig, "head_dim=%d must be a positive multiple of 32", c.HeadDim)
	case c.LogMaxSplits < 0 || c.LogMaxSplits > maxLogSplits:
		return errors.Wrapf(ErrInvalidConfig, "log_max_splits=%d must be in [0, %d]", c.LogMaxSplits, maxLogSplits)
	case c.Lanes <= 0 || c.Lanes&(c.Lanes-1) != 0:
		return errors.Wrapf(ErrInvalidConfig, "lanes=%d must be a power of two", c.Lanes)
	case c.AlignmentLSE <= 0 || c.AlignmentLSE&(c.AlignmentLSE-1) != 0:
		return errors.Wrapf(ErrInvalidConfig, "alignment_lse=%d must be a power of two", c.AlignmentLSE)
	case c.Workers < 0 || c.CopyWorkers < 0:
		return errors.Wrapf(ErrInvalidConfig, "workers=%d copy_workers=%d must not be negative", c.Workers, c.CopyWorkers)
	}

	g := c.Geometry()
	switch {
	case c.Lanes%g.ThreadsPerRow != 0:
		return errors.Wrapf(ErrInvalidConfig, "lanes=%d must be a multiple of %d lanes per output row", c.Lanes, g.ThreadsPerRow)
	case c.BlockM%g.RowsPerPass != 0:
		return errors.Wrapf(ErrInvalidConfig, "block_m=%d must be a multiple of %d rows per pass", c.BlockM, g.RowsPerPass)
	case c.Lanes%g.ThreadsPerRowLSE != 0:
		return errors.Wrapf(ErrInvalidConfig, "lanes=%d must be a multiple of %d lanes per statistic row", c.Lanes, g.ThreadsPerRowLSE)
	case g.ThreadsPerColLSE == 0:
		return errors.Wrapf(ErrInvalidConfig, "lanes=%d must be at least %d", c.Lanes, g.BlockMSmem)
	case g.MaxSplits%g.ThreadsPerColLSE != 0:
		return errors.Wrapf(ErrInvalidConfig, "max splits %d must be a multiple of %d lanes per query row", g.MaxSplits, g.ThreadsPerColLSE)
	case g.ScratchBytes > MaxScratchBytes:
		return errors.Wrapf(ErrInvalidConfig, "scratch demand %d bytes exceeds %d", g.ScratchBytes, MaxScratchBytes)
	}
	return nil
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return max(runtime.GOMAXPROCS(0), 1)
}

func (c Config) copyWorkers() int {
	if c.CopyWorkers > 0 {
		return c.CopyWorkers
	}
	return 2
}
