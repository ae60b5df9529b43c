package exception

import "errors"

var (
	ErrAdapterNotConnected     = errors.New("adapter: not connected")
	ErrAdapterAlreadyConnected = errors.New("adapter: already connected")
	ErrCommandQueueFull        = errors.New("adapter: command queue full")
	ErrQueueFull               = errors.New("event queue full")
	ErrQueueClosed             = errors.New("event queue closed")
)
