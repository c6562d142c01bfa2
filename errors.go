package odacache

import "errors"

var (
	ErrNotFound = errors.New("odacache: not found")
	ErrClosed   = errors.New("odacache: cache closed")
)
