package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Defaults to the p2pd admin listener, can be overridden via PEERLINK_ADMIN_URL or --admin.
var adminEndpoint = defaultAdminEndpoint()

func main() {
	args, err := applyGlobalFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(run(args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "peers":
		return runPeersCommand(args[1:], stdout, stderr)
	case "bans":
		return runBansCommand(args[1:], stdout, stderr)
	case "nodes":
		return runNodesCommand(args[1:], stdout, stderr)
	case "health":
		return runHealth(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func defaultAdminEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("PEERLINK_ADMIN_URL")); v != "" {
		return v
	}
	return "http://127.0.0.1:8334"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--admin" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --admin")
			}
			adminEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--admin=") {
			adminEndpoint = strings.TrimPrefix(arg, "--admin=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func usage() string {
	return strings.TrimSpace(`Usage:
  p2pctl [--admin URL] <command> [subcommand] [flags]

Commands:
  peers   List, count or disconnect peers
  bans    List, add or clear subnet bans
  nodes   Manage static and one-shot peers
  health  Check that the daemon is serving`)
}
