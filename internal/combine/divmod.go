package combine

import "math/bits"

// FastDivmod divides non-negative dividends below 2^31 by a fixed divisor with
// one multiply and one shift. A zero divisor yields a zero quotient.
type FastDivmod struct {
	divisor    int
	multiplier uint64
	shift      uint
}

func NewFastDivmod(divisor int) FastDivmod {
	if divisor <= 0 {
		return FastDivmod{}
	}
	// shift = 31 + ceil(log2(divisor)), multiplier = ceil(2^shift / divisor)
	shift := 31 + uint(bits.Len32(uint32(divisor-1)))
	d := uint64(divisor)
	return FastDivmod{
		divisor:    divisor,
		multiplier: (uint64(1)<<shift + d - 1) / d,
		shift:      shift,
	}
}

func (f FastDivmod) Divisor() int { return f.divisor }

func (f FastDivmod) Div(n int) int {
	return int((uint64(n) * f.multiplier) >> f.shift)
}

// DivMod returns n / divisor and n % divisor.
func (f FastDivmod) DivMod(n int) (q, r int) {
	q = f.Div(n)
	return q, n - q*f.divisor
}
