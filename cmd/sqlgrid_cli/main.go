// Interactive shell for the sqlgrid coordinator daemon. It talks to the
// coordinator's HTTP API: triggering recovery passes and checking health.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chzyer/readline"
)

const clientTimeout = 30 * time.Second

type recoverResponse struct {
	Recovered int    `json:"recovered"`
	Error     string `json:"error,omitempty"`
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "base URL of the coordinator HTTP API")
	flag.Parse()

	// One-shot mode: `sqlgrid_cli recover` runs a single command and exits.
	if args := flag.Args(); len(args) > 0 {
		runCommand(*addr, strings.Join(args, " "))
		return
	}

	shellLoop(*addr)
}

func shellLoop(addr string) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt: "sqlgrid> ",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("recover"),
			readline.PcItem("health"),
			readline.PcItem("help"),
			readline.PcItem("exit"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		fmt.Printf("failed to start shell: %v\n", err)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		switch line {
		case "exit", "quit":
			return
		}

		runCommand(addr, line)
	}
}

func runCommand(addr, command string) {
	switch command {
	case "recover":
		runRecover(addr)
	case "health":
		runHealth(addr)
	case "help":
		fmt.Println("commands:")
		fmt.Println("  recover   run a two-phase commit recovery pass now")
		fmt.Println("  health    check that the coordinator is up")
		fmt.Println("  exit      leave the shell")
	default:
		fmt.Printf("unknown command %q, try 'help'\n", command)
	}
}

func runRecover(addr string) {
	client := http.Client{Timeout: clientTimeout}
	resp, err := client.Post(addr+"/recover", "application/json", nil)
	if err != nil {
		fmt.Printf("request failed: %v\n", err)
		return
	}
	defer resp.Body.Close()

	var result recoverResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		fmt.Printf("unexpected response (%s): %v\n", resp.Status, err)
		return
	}

	if result.Error != "" {
		fmt.Printf("recovery failed after %d transaction(s): %s\n", result.Recovered, result.Error)
		return
	}
	fmt.Printf("recovered %d prepared transaction(s)\n", result.Recovered)
}

func runHealth(addr string) {
	client := http.Client{Timeout: clientTimeout}
	resp, err := client.Get(addr + "/healthz")
	if err != nil {
		fmt.Printf("coordinator unreachable: %v\n", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusOK {
		fmt.Println("coordinator is healthy")
	} else {
		fmt.Printf("coordinator returned %s\n", resp.Status)
	}
}
