package combine

import "github.com/pkg/errors"

var (
	ErrInvalidConfig  = errors.New("invalid combine config")
	ErrInvalidShape   = errors.New("invalid combine shape")
	ErrTooManySplits  = errors.New("split count exceeds configured maximum")
	ErrMisaligned     = errors.New("statistic buffer misaligned for vector loads")
	ErrBufferTooSmall = errors.New("buffer too small for shape and strides")
	ErrUnitFault      = errors.New("compute unit fault")
)
