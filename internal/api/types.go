package api

import (
	"math"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/rsxdalv/flash-attention/internal/combine"
)

// Floats is a float32 array whose non-finite values travel as JSON null.
// A null decodes to -inf, the statistic of a split that saw no keys.
type Floats []float32

func (f Floats) MarshalJSON() ([]byte, error) {
	if f == nil {
		return []byte("null"), nil
	}
	buf := make([]byte, 0, 2+len(f)*8)
	buf = append(buf, '[')
	for i, v := range f {
		if i > 0 {
			buf = append(buf, ',')
		}
		if math.IsInf(float64(v), 0) || math.IsNaN(float64(v)) {
			buf = append(buf, "null"...)
			continue
		}
		buf = strconv.AppendFloat(buf, float64(v), 'g', -1, 32)
	}
	return append(buf, ']'), nil
}

func (f *Floats) UnmarshalJSON(b []byte) error {
	var raw []*float64
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == nil {
		*f = nil
		return nil
	}
	out := make(Floats, len(raw))
	for i, v := range raw {
		if v == nil {
			out[i] = float32(math.Inf(-1))
			continue
		}
		out[i] = float32(*v)
	}
	*f = out
	return nil
}

// CombineRequest carries one problem in flash-attn layouts, flattened.
// With cu_seqlens the sequences are packed: seqlen is the total token count,
// out_partial is (splits, seqlen, heads, dim) and lse_partial (splits, heads, seqlen).
// Otherwise out_partial is (splits, batch, seqlen, heads, dim) and
// lse_partial (splits, batch, heads, seqlen).
type CombineRequest struct {
	Splits     int     `json:"splits"`
	Seqlen     int     `json:"seqlen"`
	Heads      int     `json:"heads"`
	Batch      int     `json:"batch"`
	Dim        int     `json:"dim"`
	DType      string  `json:"dtype,omitempty"`
	OPartial   Floats  `json:"out_partial"`
	LSEPartial Floats  `json:"lse_partial"`
	CuSeqlens  []int32 `json:"cu_seqlens,omitempty"`
	SeqUsed    []int32 `json:"seqused,omitempty"`
	Store      *bool   `json:"store,omitempty"`
}

// CombineResponse holds the merged outputs, widened to float32 whatever the
// output dtype. out follows the out_partial layout without the split axis and
// lse the lse_partial layout without it.
type CombineResponse struct {
	ID        string        `json:"id"`
	Object    string        `json:"object"`
	CreatedAt int64         `json:"created_at"`
	DType     string        `json:"dtype"`
	Shape     combine.Shape `json:"shape"`
	LSE       Floats        `json:"lse"`
	Out       Floats        `json:"out"`
}

type DeleteCombineResp struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type ConfigResponse struct {
	Object   string           `json:"object"`
	Config   combine.Config   `json:"config"`
	Geometry combine.Geometry `json:"geometry"`
	Version  string           `json:"version"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}
