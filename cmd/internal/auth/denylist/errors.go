package denylist

import "errors"

// ErrInvalidInput is returned for empty token or user ids.
var ErrInvalidInput = errors.New("denylist: invalid input")
