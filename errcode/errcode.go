package errcode

import "errors"

// Code is a stable, bus-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK Code = "ok"

	// Fatal: the device must stop rather than run in an inconsistent state.
	InitFailed   Code = "init_failed"
	ScanRejected Code = "scan_rejected"

	// Recovered locally, never fatal.
	OutOfRange Code = "out_of_range"
	DiagFailed Code = "diag_failed"

	// Control plane / transport.
	Busy           Code = "busy"
	NotEnabled     Code = "not_enabled"
	Unsupported    Code = "unsupported"
	InvalidConfig  Code = "invalid_config"
	InvalidParams  Code = "invalid_params"
	InvalidPayload Code = "invalid_payload"
	InvalidTopic   Code = "invalid_topic"
	UnknownWidget  Code = "unknown_widget"
	ShortFrame     Code = "short_frame"

	Error Code = "error" // generic fallback
)

// Optional wrapper when we want to keep context and a cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	if e.Msg != "" {
		return string(e.C) + ": " + e.Msg
	}
	return string(e.C)
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	var e *E
	if errors.As(err, &e) {
		return e.C
	}
	return Error
}

// Fatal reports whether the code must halt the acquisition cycle.
func Fatal(c Code) bool {
	return c == InitFailed || c == ScanRejected
}
