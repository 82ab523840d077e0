// Package video talks to the external generative video service.
package video

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned when the generator has no credentials.
var ErrNotConfigured = errors.New("video: generator not configured")

// SubmitRequest carries one asynchronous generation request. OutputURI is a
// per-run location the service writes its result into.
type SubmitRequest struct {
	Prompt           string
	ReferenceImage   []byte
	ReferenceMIME    string
	OutputURI        string
	AspectRatio      string
	PersonGeneration string
}

// Operation is the handle of a submitted generation.
type Operation struct {
	Name string
}

// PollResult reports whether the operation finished. VideoURIs is whatever
// the service chose to return and may be empty even on success.
type PollResult struct {
	Done      bool
	VideoURIs []string
}

// Generator submits and polls long-running generations.
type Generator interface {
	Submit(ctx context.Context, req SubmitRequest) (Operation, error)
	Poll(ctx context.Context, op Operation) (PollResult, error)
}
