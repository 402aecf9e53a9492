package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	flag "github.com/spf13/pflag"
)

// frame is one message of the soundmaster state stream.
type frame struct {
	Type string          `json:"type"`
	Ts   time.Time       `json:"ts"`
	Data json.RawMessage `json:"data"`
}

type snapshot struct {
	Level           int    `json:"level"`
	ChannelLevels   [6]int `json:"channel_levels"`
	Muted           bool   `json:"muted"`
	ActiveInput     string `json:"active_input"`
	Revision        uint64 `json:"revision"`
	Degraded        bool   `json:"degraded"`
	AppliedRevision uint64 `json:"applied_revision"`
	AudioStatus     string `json:"audio_status"`
}

func main() {
	var (
		wsURL = flag.String("ws", "ws://127.0.0.1:3001/ws/state", "soundmaster state websocket URL")
		raw   = flag.Bool("raw", false, "Print raw frames instead of changes")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	// The server pings; answering pongs is handled by the library, we only
	// need to keep a reader running and extend the deadline.
	var writeMu sync.Mutex
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		var last *snapshot
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			if messageType != websocket.TextMessage {
				continue
			}
			if *raw {
				fmt.Println(string(message))
				continue
			}
			last = handleFrame(message, last)
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// handleFrame prints what changed since last and returns the new snapshot.
func handleFrame(message []byte, last *snapshot) *snapshot {
	var f frame
	if err := json.Unmarshal(message, &f); err != nil {
		fmt.Printf("[TEXT] %s\n", string(message))
		return last
	}
	var s snapshot
	if err := json.Unmarshal(f.Data, &s); err != nil {
		fmt.Printf("[%s] %s\n", f.Type, string(f.Data))
		return last
	}

	ts := f.Ts.Local().Format("15:04:05.000")
	if f.Type == "state_init" || last == nil {
		fmt.Printf("%s [INIT] rev=%d level=%d muted=%v input=%s degraded=%v channels=%v\n",
			ts, s.Revision, s.Level, s.Muted, s.ActiveInput, s.Degraded, s.ChannelLevels)
		return &s
	}

	if s.Level != last.Level {
		fmt.Printf("%s [VOLUME] %d\n", ts, s.Level)
	}
	if s.ChannelLevels != last.ChannelLevels {
		fmt.Printf("%s [CHANNELS] %v\n", ts, s.ChannelLevels)
	}
	if s.Muted != last.Muted {
		muteStatus := "MUTED"
		if !s.Muted {
			muteStatus = "UNMUTED"
		}
		fmt.Printf("%s [MUTE] %s\n", ts, muteStatus)
	}
	if s.ActiveInput != last.ActiveInput {
		fmt.Printf("%s [INPUT] %s\n", ts, s.ActiveInput)
	}
	if s.Degraded != last.Degraded {
		fmt.Printf("%s [HARDWARE] degraded=%v applied_rev=%d\n", ts, s.Degraded, s.AppliedRevision)
	}
	if s.AudioStatus != last.AudioStatus {
		fmt.Printf("%s [AUDIO] %s\n", ts, s.AudioStatus)
	}
	return &s
}
