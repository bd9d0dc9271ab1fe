package api

import "errors"

// ErrInvalidRequest marks combine requests rejected before or during binding.
var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	param string
	msg   string
}

func (e invalidRequestError) Error() string {
	if e.param == "" {
		return e.msg
	}
	return e.param + ": " + e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

// newInvalidRequest names the offending request field in param, or leaves it
// empty when the problem spans several fields.
func newInvalidRequest(param, msg string) error {
	return invalidRequestError{param: param, msg: msg}
}

func requestParam(err error) string {
	var ire invalidRequestError
	if errors.As(err, &ire) {
		return ire.param
	}
	return ""
}
