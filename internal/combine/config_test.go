package combine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigGeometry(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, Geometry{
		MaxSplits:        32,
		BlockKGmem:       128,
		ThreadsPerRow:    32,
		RowsPerPass:      1,
		ElemsPerLoadLSE:  4,
		BlockMSmem:       8,
		ThreadsPerRowLSE: 2,
		SplitRowsPerPass: 16,
		ThreadsPerColLSE: 4,
		ScratchBytes:     4 * (32*8 + Stages*8*128),
	}, cfg.Geometry())
}

func TestGeometryPartitions(t *testing.T) {
	cfg := Config{BlockM: 32, HeadDim: 64, LogMaxSplits: 6, Lanes: 64, AlignmentLSE: 8}
	require.NoError(t, cfg.Validate())
	g := cfg.Geometry()
	assert.Equal(t, 64, g.BlockKGmem)
	assert.Equal(t, 16, g.ThreadsPerRow)
	assert.Equal(t, 4, g.RowsPerPass)
	assert.Equal(t, 4, g.ElemsPerLoadLSE, "vector width is capped at 4")
	assert.Equal(t, 32, g.BlockMSmem)
	assert.Equal(t, 8, g.ThreadsPerRowLSE)
	assert.Equal(t, 8, g.SplitRowsPerPass)
	assert.Equal(t, 2, g.ThreadsPerColLSE)
}

func TestConfigValidateRejects(t *testing.T) {
	base := DefaultConfig()
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"block_m not a multiple of 8", func(c *Config) { c.BlockM = 12 }},
		{"head_dim not a multiple of 32", func(c *Config) { c.HeadDim = 48 }},
		{"log_max_splits too large", func(c *Config) { c.LogMaxSplits = 9 }},
		{"negative log_max_splits", func(c *Config) { c.LogMaxSplits = -1 }},
		{"lanes not a power of two", func(c *Config) { c.Lanes = 24 }},
		{"alignment not a power of two", func(c *Config) { c.AlignmentLSE = 3 }},
		{"negative workers", func(c *Config) { c.Workers = -1 }},
		{"too few lanes for an output row", func(c *Config) { c.Lanes = 16 }},
		{"splits not divisible by lanes per query", func(c *Config) { c.Lanes = 128; c.LogMaxSplits = 3 }},
		{"fewer lanes than scratch rows", func(c *Config) { c.HeadDim = 32; c.BlockM = 16; c.Lanes = 8 }},
		{"scratch too large", func(c *Config) { c.BlockM = 128; c.HeadDim = 256; c.Lanes = 128 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
			_, err := NewKernel[float32](cfg)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestParseDType(t *testing.T) {
	for in, want := range map[string]string{"": "F32", "f32": "F32", "FP16": "F16", " bf16 ": "BF16", "bfloat16": "BF16"} {
		got, err := ParseDType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDType("int8")
	require.Error(t, err)
}
