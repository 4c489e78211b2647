// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the operation conflicts with the current state of the resource.
var ErrConflict = errors.New("conflict")

// ErrValidation indicates the input failed validation.
var ErrValidation = errors.New("validation failed")

// ErrTerminal indicates the run already reached a terminal status and the
// requested transition or cancel cannot be applied.
var ErrTerminal = errors.New("run already terminal")
