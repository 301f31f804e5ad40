package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrCredential        = errors.New("object store rejected credentials")
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrTimeout           = errors.New("timed out")
	ErrIO                = errors.New("local io failure")
	ErrTranscodeStartup  = errors.New("transcode startup failed")
	ErrAnalysisFailed    = errors.New("analysis failed")
	ErrCancelled         = errors.New("cancelled")
)
