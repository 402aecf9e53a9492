package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// Local control for scripts and the soundctl tool.
//
// Protocol: Line-delimited JSON
//   - Client sends an intent envelope: {"type": "set_volume", "data": {"level": 40}}
//     or {"type": "get_state"} for a snapshot.
//   - Server responds: {"status": "ok"} / {"status": "ok", "state": {...}}
//     or {"status": "error", "error": "msg"}
// ============================================================================

// IPCResponse represents the response sent back to IPC clients
type IPCResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Error  string    `json:"error,omitempty"` // error message if status == "error"
	State  *Snapshot `json:"state,omitempty"`
}

type ipcServer struct {
	queue          *IntentQueue
	events         chan<- Event
	enqueueTimeout time.Duration
	logger         *slog.Logger
}

// runIPCServer serves the socket until ctx is canceled.
func runIPCServer(ctx context.Context, socketPath string, queue *IntentQueue, events chan<- Event, enqueueTimeout time.Duration, logger *slog.Logger) error {
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	if err := os.Chmod(socketPath, 0660); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Close the listener on shutdown. This unblocks Accept().
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	srv := &ipcServer{queue: queue, events: events, enqueueTimeout: enqueueTimeout, logger: logger}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("IPC listener closed (shutdown)")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}
			logger.Error("IPC accept error", "error", err)
			continue
		}

		go srv.handle(ctx, conn)
	}
}

func (s *ipcServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	s.logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	reply := func(resp IPCResponse) bool {
		if err := encoder.Encode(resp); err != nil {
			s.logger.Error("IPC failed to send response", "error", err)
			return false
		}
		return true
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.logger.Debug("IPC received", "line", line)

		if !reply(s.dispatch(ctx, []byte(line))) {
			return
		}
	}

	s.logger.Debug("IPC connection closed")
}

func (s *ipcServer) dispatch(ctx context.Context, line []byte) IPCResponse {
	var env IntentEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return IPCResponse{Status: "error", Error: fmt.Sprintf("parse request: %v", err)}
	}

	if env.Type == "get_state" {
		snap, err := requestSnapshot(ctx, s.events, snapshotReplyTimeout)
		if err != nil {
			return IPCResponse{Status: "error", Error: fmt.Sprintf("state unavailable: %v", err)}
		}
		return IPCResponse{Status: "ok", State: &snap}
	}

	in, err := decodeEnvelope(env)
	if err != nil {
		return IPCResponse{Status: "error", Error: fmt.Sprintf("parse intent: %v", err)}
	}

	ev := IntentEvent{Intent: in, Source: SourceIPC, At: time.Now()}
	if err := s.queue.OfferWait(ctx, ev, s.enqueueTimeout); err != nil {
		return IPCResponse{Status: "error", Error: err.Error()}
	}
	return IPCResponse{Status: "ok"}
}
