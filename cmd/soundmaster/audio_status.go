package main

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"os"
	"strings"
	"time"
)

// parseALSAStatus extracts the playback state from an ALSA substream status
// file. A closed substream reads "closed"; an open one has a "state:" line.
func parseALSAStatus(b []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line == "closed" {
			return "closed"
		}
		if v, ok := strings.CutPrefix(line, "state:"); ok {
			return strings.ToLower(strings.TrimSpace(v))
		}
	}
	return "unknown"
}

// runAudioStatusMonitor polls the ALSA status file and reports changes to
// the control loop. A missing file reads as "closed".
func runAudioStatusMonitor(ctx context.Context, path string, interval time.Duration, events chan<- Event, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := ""
	warned := false

	poll := func() {
		status := "closed"
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			status = parseALSAStatus(b)
			warned = false
		case !os.IsNotExist(err) && !warned:
			logger.Warn("audio status read failed", "path", path, "error", err)
			warned = true
		}
		if status == last {
			return
		}
		last = status
		logger.Debug("audio status changed", "status", status)
		select {
		case events <- AudioStatusObserved{Status: status, At: time.Now()}:
		case <-ctx.Done():
		}
	}

	poll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			poll()
		}
	}
}
