package client

import (
	"errors"
	"fmt"
)

// ErrOffline wraps every failure to reach the backend at all.
var ErrOffline = errors.New("backend unreachable")

type Kind int

const (
	KindOffline Kind = iota
	KindTransient
	KindPermanent
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindOffline:
		return "offline"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindNotFound:
		return "not_found"
	}
	return "unknown"
}

// Error is a classified backend call failure.
type Error struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Code != "":
		return fmt.Sprintf("backend %d %s: %s", e.Status, e.Code, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("backend %d: %s", e.Status, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	if e.Kind == KindOffline {
		return errors.Join(ErrOffline, e.Err)
	}
	return e.Err
}

// Offline and Permanent let callers classify without importing this package.
func (e *Error) Offline() bool   { return e.Kind == KindOffline }
func (e *Error) Permanent() bool { return e.Kind == KindPermanent }

func kindOf(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}

func IsOffline(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindOffline
}

func IsTransient(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTransient
}

func IsPermanent(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindPermanent
}

func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}
