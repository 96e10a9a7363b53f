package buffer

import "errors"

var (
	ErrInvalidConfig = errors.New("buffer: invalid config")
	ErrConnection    = errors.New("buffer: connection failed")
	ErrSerialization = errors.New("buffer: serialization failed")
	ErrClosed        = errors.New("buffer: store closed")
)
