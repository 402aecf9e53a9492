package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	flag "github.com/spf13/pflag"
)

// ============================================================================
// soundctl - Command-line IPC Client
// ============================================================================
// Sends intents to the soundmaster daemon over its Unix socket.
//
// Usage:
//   soundctl up
//   soundctl volume 40
//   soundctl channel SW 70
//   soundctl input Opt1
//   soundctl state
//
// Options:
//   --socket PATH    Unix domain socket path (default: /tmp/soundmaster.sock)
// ============================================================================

// request mirrors the daemon's intent envelope.
type request struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type response struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	State  json.RawMessage `json:"state,omitempty"`
}

func main() {
	socketPath := flag.String("socket", "/tmp/soundmaster.sock", "Unix domain socket path")
	timeout := flag.Duration("timeout", 3*time.Second, "Response timeout")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	req, err := parseCommand(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}
	if req == nil {
		printUsage()
		return
	}

	resp, err := send(*socketPath, *req, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if len(resp.State) > 0 {
		var pretty any
		if err := json.Unmarshal(resp.State, &pretty); err == nil {
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
			return
		}
	}
	fmt.Println("ok")
}

// parseCommand maps command-line words to a request. A nil request means
// help was asked for.
func parseCommand(args []string) (*request, error) {
	needArgs := func(n int) error {
		if len(args) < n+1 {
			return fmt.Errorf("%s requires %d argument(s)", args[0], n)
		}
		return nil
	}
	atoi := func(s string) (int, error) {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", s)
		}
		return n, nil
	}

	switch args[0] {
	case "up", "volume-up":
		return &request{Type: "volume_delta", Data: map[string]int{"steps": 1}}, nil

	case "down", "volume-down":
		return &request{Type: "volume_delta", Data: map[string]int{"steps": -1}}, nil

	case "step":
		if err := needArgs(1); err != nil {
			return nil, err
		}
		n, err := atoi(args[1])
		if err != nil {
			return nil, err
		}
		return &request{Type: "volume_delta", Data: map[string]int{"steps": n}}, nil

	case "volume", "set":
		if err := needArgs(1); err != nil {
			return nil, err
		}
		n, err := atoi(args[1])
		if err != nil {
			return nil, err
		}
		return &request{Type: "set_volume", Data: map[string]int{"level": n}}, nil

	case "channel":
		if err := needArgs(2); err != nil {
			return nil, err
		}
		n, err := atoi(args[2])
		if err != nil {
			return nil, err
		}
		return &request{Type: "set_channel_volume", Data: map[string]any{"channel": args[1], "level": n}}, nil

	case "mute":
		return &request{Type: "set_mute", Data: map[string]bool{"muted": true}}, nil

	case "unmute":
		return &request{Type: "set_mute", Data: map[string]bool{"muted": false}}, nil

	case "toggle-mute":
		return &request{Type: "toggle_mute"}, nil

	case "input":
		if err := needArgs(1); err != nil {
			return nil, err
		}
		return &request{Type: "set_input", Data: map[string]string{"id": args[1]}}, nil

	case "next-input":
		return &request{Type: "cycle_input"}, nil

	case "state":
		return &request{Type: "get_state"}, nil

	case "help":
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown command: %s", args[0])
	}
}

func send(socketPath string, req request, timeout time.Duration) (response, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return response{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	data, err := json.Marshal(req)
	if err != nil {
		return response{}, fmt.Errorf("marshal request: %w", err)
	}

	// Line-delimited JSON
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return response{}, fmt.Errorf("send request: %w", err)
	}

	var resp response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return response{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status == "error" {
		return resp, fmt.Errorf("daemon error: %s", resp.Error)
	}
	return resp, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `soundctl - Control the soundmaster daemon via IPC

Usage:
  soundctl [options] <command> [args]

Options:
  --socket PATH     Unix domain socket path (default: /tmp/soundmaster.sock)
  --timeout DUR     Response timeout (default: 3s)

Commands:
  up, down                One volume step louder or quieter
  step <n>                Move volume by n steps
  volume, set <0-79>      Set master level
  channel <ch> <0-79>     Set one channel (FL FR C SW RL RR or 1-6)
  mute, unmute            Set mute
  toggle-mute             Toggle mute
  input <id>              Select an input
  next-input              Cycle to the next input
  state                   Print the current state
  help                    Show this help message

Examples:
  soundctl volume 40
  soundctl channel SW 70
  soundctl --socket /run/soundmaster.sock state
`)
}
