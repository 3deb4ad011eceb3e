// Package kiosk is the machine's local HTTP API, used by the touch screen to
// place orders and show connectivity.
package kiosk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"coffee-fleet/agent/internal/hal"
	"coffee-fleet/agent/internal/logger"
	"coffee-fleet/agent/internal/service"
	"coffee-fleet/agent/internal/state"
	"coffee-fleet/protocol"
)

// Error codes specific to the local API.
const (
	CodePaymentUnavailable = "PAYMENT_UNAVAILABLE"
	CodeOutOfStock         = "OUT_OF_STOCK"
	CodeDispenseFailed     = "DISPENSE_FAILED"
)

const maxBody = 64 << 10

type Placer interface {
	Place(ctx context.Context, req service.PlaceRequest) (protocol.OrderReport, error)
}

type Server struct {
	orders  Placer
	machine hal.Machine
}

func New(orders Placer, machine hal.Machine) *Server {
	return &Server{orders: orders, machine: machine}
}

type orderRequest struct {
	Items         []protocol.OrderItem `json:"items"`
	PaymentMethod string               `json:"payment_method"`
	Currency      string               `json:"currency"`
}

type statusResponse struct {
	state.Snapshot
	Bins []protocol.BinLevel `json:"bins"`
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.status)
	mux.HandleFunc("POST /api/orders", s.placeOrder)
	return mux
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	bins, err := s.machine.Bins(r.Context())
	if err != nil {
		logger.Errorf("Read bins: %v", err)
		writeFail(w, http.StatusInternalServerError, protocol.CodeInternal, "cannot read bins", nil)
		return
	}
	writeOK(w, http.StatusOK, statusResponse{Snapshot: state.Current(), Bins: bins})
}

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, protocol.CodeInvalidArgument, "malformed body", nil)
		return
	}
	report, err := s.orders.Place(r.Context(), service.PlaceRequest{
		Items:         req.Items,
		PaymentMethod: req.PaymentMethod,
		Currency:      req.Currency,
	})
	switch {
	case err == nil:
		writeOK(w, http.StatusCreated, report)
	case errors.Is(err, service.ErrInvalidOrder):
		writeFail(w, http.StatusBadRequest, protocol.CodeInvalidArgument, err.Error(), nil)
	case errors.Is(err, service.ErrPaymentOffline):
		writeFail(w, http.StatusServiceUnavailable, CodePaymentUnavailable, err.Error(), nil)
	case errors.Is(err, service.ErrInsufficientStock):
		writeFail(w, http.StatusConflict, CodeOutOfStock, err.Error(), nil)
	case errors.Is(err, service.ErrDispense):
		var partial any
		if report.LocalRef != "" {
			partial = map[string]any{"order": report}
		}
		writeFail(w, http.StatusInternalServerError, CodeDispenseFailed, err.Error(), partial)
	default:
		logger.Errorf("Place order: %v", err)
		writeFail(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error", nil)
	}
}

func writeOK(w http.ResponseWriter, status int, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		writeFail(w, http.StatusInternalServerError, protocol.CodeInternal, "encode response", nil)
		return
	}
	writeJSON(w, status, protocol.Envelope{OK: true, Data: raw})
}

func writeFail(w http.ResponseWriter, status int, code, msg string, details any) {
	writeJSON(w, status, protocol.Envelope{Error: &protocol.Error{Code: code, Message: msg, Details: details}})
}

func writeJSON(w http.ResponseWriter, status int, env protocol.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// Serve listens on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      2 * time.Minute,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Local API listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("local api: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
