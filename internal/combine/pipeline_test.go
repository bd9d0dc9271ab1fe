package combine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyPipelineWaitDrainsOldestFirst(t *testing.T) {
	e := newCopyEngine(2, 8)
	defer e.close()
	p := copyPipeline{engine: e}

	src := [][]float32{{1, 2, 3, 4}, {5, 6, 7, 8}, {9, 10, 11, 12}}
	dst := make([][]float32, len(src))
	for i := range src {
		dst[i] = make([]float32, 4)
		p.issue(dst[i], src[i])
		p.fence()
	}
	require.Equal(t, 3, p.inFlight())

	p.wait(2)
	assert.Equal(t, 2, p.inFlight())
	assert.Equal(t, src[0], dst[0], "oldest group completes first")

	p.wait(0)
	assert.Equal(t, 0, p.inFlight())
	for i := range src {
		assert.Equal(t, src[i], dst[i])
	}
}

func TestCopyPipelineEmptyFenceCounts(t *testing.T) {
	e := newCopyEngine(1, 1)
	defer e.close()
	p := copyPipeline{engine: e}

	p.fence()
	p.fence()
	assert.Equal(t, 2, p.inFlight(), "empty groups still occupy a slot")
	p.wait(1)
	assert.Equal(t, 1, p.inFlight())
	p.wait(0)
}

func TestCopyPipelineGroupsSeveralCopies(t *testing.T) {
	e := newCopyEngine(1, 4)
	defer e.close()
	p := copyPipeline{engine: e}

	a, b := make([]float32, 2), make([]float32, 2)
	p.issue(a, []float32{1, 2})
	p.issue(b, []float32{3, 4})
	p.fence()
	p.wait(0)
	assert.Equal(t, []float32{1, 2}, a)
	assert.Equal(t, []float32{3, 4}, b)
}

func TestCopyPipelineWaitPanicsOnFailedGroup(t *testing.T) {
	e := newCopyEngine(1, 1)
	defer e.close()
	p := copyPipeline{engine: e}
	failed := &copyGroup{done: make(chan struct{}), err: assert.AnError}
	close(failed.done)
	p.pending = append(p.pending, failed)
	assert.PanicsWithValue(t, assert.AnError, func() { p.wait(0) })
}
