package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrConflict          = errors.New("status conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidPrompt     = errors.New("invalid prompt")
	ErrAssetMissing      = errors.New("asset missing")
	ErrGenerationFailed  = errors.New("generation failed")
	ErrCompositionFailed = errors.New("composition failed")
	ErrUploadFailed      = errors.New("upload failed")
	ErrDispatchFailed    = errors.New("dispatch failed")
)
