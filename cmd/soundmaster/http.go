package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ============================================================================
// HTTP server
// ============================================================================
//   GET  /api/state   current snapshot
//   POST /api/intent  intent envelope, same format as the IPC socket
//   GET  /ws/state    websocket state stream
// ============================================================================

type apiHandler struct {
	queue          *IntentQueue
	events         chan<- Event
	enqueueTimeout time.Duration
	logger         *slog.Logger
}

func (a *apiHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/state", a.handleState)
	mux.HandleFunc("POST /api/intent", a.handleIntent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *apiHandler) handleState(w http.ResponseWriter, r *http.Request) {
	snap, err := requestSnapshot(r.Context(), a.events, snapshotReplyTimeout)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, IPCResponse{Status: "error", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *apiHandler) handleIntent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, IPCResponse{Status: "error", Error: err.Error()})
		return
	}
	in, err := UnmarshalIntent(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, IPCResponse{Status: "error", Error: err.Error()})
		return
	}

	ev := IntentEvent{Intent: in, Source: SourceHTTP, At: time.Now()}
	if err := a.queue.OfferWait(r.Context(), ev, a.enqueueTimeout); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, IPCResponse{Status: "error", Error: err.Error()})
		return
	}
	a.logger.Debug("http intent queued", "intent", in.String())
	writeJSON(w, http.StatusAccepted, IPCResponse{Status: "ok"})
}

// runHTTPServer serves handler on addr and shuts it down gracefully when ctx
// is canceled.
func runHTTPServer(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	logger.Info("http server listening", "addr", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		// ListenAndServe returns http.ErrServerClosed on Shutdown; treat that as clean exit.
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		<-errCh
		return nil

	case err := <-errCh:
		return err
	}
}
