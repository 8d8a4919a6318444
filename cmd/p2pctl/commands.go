package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"
)

func runPeersCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		return simpleGet("/peers", stdout, stderr)
	}
	switch args[0] {
	case "list":
		return simpleGet("/peers", stdout, stderr)
	case "counts":
		return simpleGet("/peers/counts", stdout, stderr)
	case "disconnect":
		return runPeersDisconnect(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown peers subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, peersUsage())
		return 1
	}
}

func runPeersDisconnect(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("peers disconnect", stderr, peersUsage)
	var id int64
	fs.Int64Var(&id, "id", 0, "peer identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if id <= 0 {
		return printError(stderr, "--id must be a positive peer id")
	}
	result, err := adminCall(http.MethodDelete, "/peers/"+strconv.FormatInt(id, 10), nil)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeResult(stdout, result)
	return 0
}

func runBansCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		return simpleGet("/bans", stdout, stderr)
	}
	switch args[0] {
	case "list":
		return simpleGet("/bans", stdout, stderr)
	case "add":
		return runBansAdd(args[1:], stdout, stderr)
	case "clear":
		result, err := adminCall(http.MethodDelete, "/bans", nil)
		if err != nil {
			return handleCallError(stderr, err)
		}
		writeResult(stdout, result)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown bans subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, bansUsage())
		return 1
	}
}

func runBansAdd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("bans add", stderr, bansUsage)
	var (
		subnet   string
		duration time.Duration
		reason   string
	)
	fs.StringVar(&subnet, "subnet", "", "address or CIDR to ban")
	fs.DurationVar(&duration, "for", 0, "ban duration (default: daemon ban time)")
	fs.StringVar(&reason, "reason", "", "free-form reason recorded with the ban")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	subnet = strings.TrimSpace(subnet)
	if subnet == "" {
		return printError(stderr, "--subnet is required")
	}
	if _, err := netip.ParseAddr(subnet); err != nil {
		if _, err := netip.ParsePrefix(subnet); err != nil {
			return printError(stderr, "--subnet must be an IP address or CIDR")
		}
	}
	if duration < 0 {
		return printError(stderr, "--for must not be negative")
	}
	body := map[string]any{
		"subnet":  subnet,
		"seconds": int64(duration / time.Second),
		"reason":  reason,
	}
	result, err := adminCall(http.MethodPost, "/bans", body)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeResult(stdout, result)
	return 0
}

func runNodesCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		return simpleGet("/nodes", stdout, stderr)
	}
	switch args[0] {
	case "list":
		return simpleGet("/nodes", stdout, stderr)
	case "add", "remove", "oneshot":
		return runNodeMutation(args[0], args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown nodes subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, nodesUsage())
		return 1
	}
}

func runNodeMutation(action string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("nodes "+action, stderr, nodesUsage)
	var host string
	fs.StringVar(&host, "host", "", "host[:port] of the peer")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return printError(stderr, "--host is required")
	}

	var (
		method = http.MethodPost
		path   = "/nodes"
		body   any
	)
	switch action {
	case "add":
		body = map[string]string{"host": host}
	case "remove":
		method = http.MethodDelete
		path = "/nodes/" + url.PathEscape(host)
	case "oneshot":
		path = "/nodes/oneshot"
		body = map[string]string{"host": host}
	}
	result, err := adminCall(method, path, body)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeResult(stdout, result)
	return 0
}

func runHealth(args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if _, err := adminCall(http.MethodGet, "/healthz", nil); err != nil {
		return handleCallError(stderr, err)
	}
	fmt.Fprintln(stdout, "ok")
	return 0
}

func simpleGet(path string, stdout, stderr io.Writer) int {
	result, err := adminCall(http.MethodGet, path, nil)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeResult(stdout, result)
	return 0
}

func newFlagSet(name string, stderr io.Writer, usage func() string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, usage())
	}
	return fs
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func peersUsage() string {
	return strings.TrimSpace(`Usage:
  p2pctl peers <command> [flags]

Commands:
  list        List active peers (default)
  counts      Show inbound and outbound totals
  disconnect  Disconnect a peer by --id`)
}

func bansUsage() string {
	return strings.TrimSpace(`Usage:
  p2pctl bans <command> [flags]

Commands:
  list   List banned subnets (default)
  add    Ban --subnet, optionally --for a duration with a --reason
  clear  Lift every ban`)
}

func nodesUsage() string {
	return strings.TrimSpace(`Usage:
  p2pctl nodes <command> [flags]

Commands:
  list     List static peers (default)
  add      Add a static peer by --host
  remove   Remove a static peer by --host
  oneshot  Queue a one-shot bootstrap connection to --host`)
}
