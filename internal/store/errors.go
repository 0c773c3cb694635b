package store

import "errors"

var (
	ErrRecordNotFound   = errors.New("record not found")
	ErrDuplicateKey     = errors.New("already exists")
	ErrConcurrentUpdate = errors.New("record changed concurrently")
	ErrRunFinalized     = errors.New("run already in a terminal status")
)
