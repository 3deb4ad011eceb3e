package services

import (
	"errors"
	"strings"
)

var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrDeviceInactive     = errors.New("device inactive")
	ErrCommandNotFound    = errors.New("command not found")
	ErrBatchNotFound      = errors.New("batch not found")
	ErrInvalidState       = errors.New("command not in a state that accepts this result")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// MissingDevicesError lists dispatch targets that do not exist.
type MissingDevicesError struct{ IDs []string }

func (e *MissingDevicesError) Error() string {
	return "unknown devices: " + strings.Join(e.IDs, ", ")
}

func (e *MissingDevicesError) Unwrap() error { return ErrDeviceNotFound }

// InactiveDevicesError lists dispatch targets that were deactivated.
type InactiveDevicesError struct{ IDs []string }

func (e *InactiveDevicesError) Error() string {
	return "inactive devices: " + strings.Join(e.IDs, ", ")
}

func (e *InactiveDevicesError) Unwrap() error { return ErrDeviceInactive }
