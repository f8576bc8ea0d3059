package replica

import "errors"

var (
	ErrUnknownTable   = errors.New("unknown table")
	ErrUnknownColumn  = errors.New("unknown column")
	ErrEmptyCondition = errors.New("delete requires a condition")
	ErrReplicaDown    = errors.New("replica unreachable")
	ErrInvalidValue   = errors.New("value does not fit column type")
)
