package combine

import (
	"strings"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Element is the storage type of the final output. Partial outputs and all
// accumulation stay in float32.
type Element interface {
	float32 | float16.Float16 | bfloat16.BFloat16
}

// DTypeName returns the safetensors dtype tag of E.
func DTypeName[E Element]() string {
	var zero E
	switch any(zero).(type) {
	case float16.Float16:
		return "F16"
	case bfloat16.BFloat16:
		return "BF16"
	default:
		return "F32"
	}
}

// converter returns the float32 -> E narrowing used by the writer.
func converter[E Element]() func(float32) E {
	var zero E
	switch any(zero).(type) {
	case float16.Float16:
		return func(v float32) E { return any(float16.Fromfloat32(v)).(E) }
	case bfloat16.BFloat16:
		return func(v float32) E { return any(bfloat16.FromFloat32(v)).(E) }
	default:
		return func(v float32) E { return any(v).(E) }
	}
}

// ToFloat32 widens an output element back to float32.
func ToFloat32[E Element](v E) float32 {
	switch x := any(v).(type) {
	case float16.Float16:
		return x.Float32()
	case bfloat16.BFloat16:
		return x.Float32()
	default:
		return any(v).(float32)
	}
}

// ParseDType maps a user-facing dtype name (f32, float16, bf16, ...) to its
// safetensors tag. The empty string selects F32.
func ParseDType(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "f32", "fp32", "float32":
		return "F32", nil
	case "f16", "fp16", "float16", "half":
		return "F16", nil
	case "bf16", "bfloat16":
		return "BF16", nil
	default:
		return "", errors.Errorf("unknown dtype %q (want f32, f16 or bf16)", s)
	}
}
