package provider

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/foxzi/tplsync/internal/errors"
)

// Kind classifies a provider failure by what the caller can do about it.
type Kind string

const (
	KindAuth      Kind = "auth"
	KindNotFound  Kind = "not_found"
	KindTransient Kind = "transient"
	KindInvalid   Kind = "invalid"
)

// Error is a failed provider call
type Error struct {
	Op         string
	SubAccount string
	RemoteID   string
	Kind       Kind
	StatusCode int
	Code       int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("provider %s (sub-account %s", e.Op, e.SubAccount)
	if e.RemoteID != "" {
		msg += ", remote " + e.RemoteID
	}
	msg += ")"
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": HTTP %d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is maps the kind onto the shared sentinels
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindAuth:
		return target == errors.ErrAuthInvalid
	case KindNotFound:
		return target == errors.ErrRemoteNotFound
	case KindTransient:
		return target == errors.ErrTransient
	case KindInvalid:
		return target == errors.ErrInvalidInput
	}
	return false
}

func (e *Error) Unwrap() error {
	return e.Err
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests || status >= 500:
		return KindTransient
	default:
		return KindInvalid
	}
}

// resultLabel is the metrics label for the outcome of a call
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var pe *Error
	if stderrors.As(err, &pe) {
		return string(pe.Kind)
	}
	return "error"
}
