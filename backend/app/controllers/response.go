package controllers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"coffee-fleet/backend/app/services"
	"coffee-fleet/backend/global"
	"coffee-fleet/protocol"

	"gorm.io/gorm"
)

const maxBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, env protocol.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeOK(w http.ResponseWriter, status int, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		writeError(w, fmt.Errorf("encode response: %w", err))
		return
	}
	writeJSON(w, status, protocol.Envelope{OK: true, Data: raw})
}

func writeFail(w http.ResponseWriter, status int, code, msg string, details any) {
	writeJSON(w, status, protocol.Envelope{Error: &protocol.Error{Code: code, Message: msg, Details: details}})
}

// writeError maps service sentinels onto wire codes.
func writeError(w http.ResponseWriter, err error) {
	var missing *services.MissingDevicesError
	var inactive *services.InactiveDevicesError
	switch {
	case errors.As(err, &missing):
		writeFail(w, http.StatusNotFound, protocol.CodeDeviceNotFound, err.Error(), map[string]any{"device_ids": missing.IDs})
	case errors.As(err, &inactive):
		writeFail(w, http.StatusConflict, protocol.CodeDeviceInactive, err.Error(), map[string]any{"device_ids": inactive.IDs})
	case errors.Is(err, services.ErrInvalidArgument):
		writeFail(w, http.StatusBadRequest, protocol.CodeInvalidArgument, err.Error(), nil)
	case errors.Is(err, services.ErrDeviceNotFound):
		writeFail(w, http.StatusNotFound, protocol.CodeDeviceNotFound, err.Error(), nil)
	case errors.Is(err, services.ErrDeviceInactive):
		writeFail(w, http.StatusConflict, protocol.CodeDeviceInactive, err.Error(), nil)
	case errors.Is(err, services.ErrCommandNotFound):
		writeFail(w, http.StatusNotFound, protocol.CodeCommandNotFound, err.Error(), nil)
	case errors.Is(err, services.ErrBatchNotFound):
		writeFail(w, http.StatusNotFound, protocol.CodeBatchNotFound, err.Error(), nil)
	case errors.Is(err, services.ErrInvalidCredentials):
		writeFail(w, http.StatusUnauthorized, protocol.CodeUnauthorized, err.Error(), nil)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		writeFail(w, http.StatusConflict, protocol.CodeConflict, "already exists", nil)
	default:
		global.Logger.Error().Err(err).Msg("request failed")
		writeFail(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error", nil)
	}
}

// decode reads a JSON body; an empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: malformed body: %v", services.ErrInvalidArgument, err)
	}
	return nil
}
