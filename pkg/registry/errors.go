package registry

import "errors"

var (
	ErrFull            = errors.New("registry: edge table full")
	ErrCapabilityFull  = errors.New("registry: capability quota exceeded for edge")
	ErrUnknownEdge     = errors.New("registry: unknown edge")
	ErrPeersFull       = errors.New("registry: peer table full")
)
