package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
)

type recordedCall struct {
	method string
	path   string
	body   any
}

func stubAdmin(t *testing.T, reply json.RawMessage, replyErr error) *[]recordedCall {
	t.Helper()
	var calls []recordedCall
	original := adminCall
	adminCall = func(method, path string, body any) (json.RawMessage, error) {
		calls = append(calls, recordedCall{method: method, path: path, body: body})
		return reply, replyErr
	}
	t.Cleanup(func() { adminCall = original })
	return &calls
}

func TestCommandArgValidation(t *testing.T) {
	calls := stubAdmin(t, nil, nil)
	cases := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"usage", nil, "Usage:\n  p2pctl"},
		{"unknown", []string{"frobnicate"}, "Unknown command: frobnicate"},
		{"peers_unknown", []string{"peers", "kick"}, "Unknown peers subcommand: kick"},
		{"disconnect_missing_id", []string{"peers", "disconnect"}, "Error: --id must be a positive peer id"},
		{"ban_missing_subnet", []string{"bans", "add"}, "Error: --subnet is required"},
		{"ban_bad_subnet", []string{"bans", "add", "--subnet", "nope"}, "Error: --subnet must be an IP address or CIDR"},
		{"ban_negative", []string{"bans", "add", "--subnet", "10.0.0.1", "--for", "-1h"}, "Error: --for must not be negative"},
		{"nodes_missing_host", []string{"nodes", "add"}, "Error: --host is required"},
		{"nodes_positional", []string{"nodes", "remove", "--host", "a", "b"}, "Error: unexpected positional arguments"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stdout := &bytes.Buffer{}
			stderr := &bytes.Buffer{}
			if code := run(tc.args, stdout, stderr); code != 1 {
				t.Fatalf("unexpected exit code %d", code)
			}
			if stdout.Len() != 0 {
				t.Fatalf("expected empty stdout, got %q", stdout.String())
			}
			if !strings.HasPrefix(stderr.String(), tc.wantErr) {
				t.Fatalf("stderr mismatch:\n got %q\nwant prefix %q", stderr.String(), tc.wantErr)
			}
		})
	}
	if len(*calls) != 0 {
		t.Fatalf("invalid arguments must not reach the daemon: %+v", *calls)
	}
}

func TestCommandsIssueRequests(t *testing.T) {
	cases := []struct {
		args []string
		want recordedCall
	}{
		{[]string{"peers"}, recordedCall{http.MethodGet, "/peers", nil}},
		{[]string{"peers", "counts"}, recordedCall{http.MethodGet, "/peers/counts", nil}},
		{[]string{"peers", "disconnect", "--id", "7"}, recordedCall{http.MethodDelete, "/peers/7", nil}},
		{[]string{"bans", "clear"}, recordedCall{http.MethodDelete, "/bans", nil}},
		{
			[]string{"bans", "add", "--subnet", "198.51.100.0/24", "--for", "2h", "--reason", "spam"},
			recordedCall{http.MethodPost, "/bans", map[string]any{"subnet": "198.51.100.0/24", "seconds": int64(7200), "reason": "spam"}},
		},
		{[]string{"nodes", "add", "--host", "seed.example.org"}, recordedCall{http.MethodPost, "/nodes", map[string]string{"host": "seed.example.org"}}},
		{[]string{"nodes", "remove", "--host", "[2a00:1450::1]:51472"}, recordedCall{http.MethodDelete, "/nodes/%5B2a00:1450::1%5D:51472", nil}},
		{[]string{"nodes", "oneshot", "--host", "9.9.9.9"}, recordedCall{http.MethodPost, "/nodes/oneshot", map[string]string{"host": "9.9.9.9"}}},
	}
	for _, tc := range cases {
		t.Run(strings.Join(tc.args, "_"), func(t *testing.T) {
			calls := stubAdmin(t, nil, nil)
			stdout := &bytes.Buffer{}
			stderr := &bytes.Buffer{}
			if code := run(tc.args, stdout, stderr); code != 0 {
				t.Fatalf("exit %d: %s", code, stderr.String())
			}
			if len(*calls) != 1 {
				t.Fatalf("expected one call, got %d", len(*calls))
			}
			if got := (*calls)[0]; !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("call mismatch:\n got %+v\nwant %+v", got, tc.want)
			}
			if stdout.String() != "ok\n" {
				t.Fatalf("unexpected stdout %q", stdout.String())
			}
		})
	}
}

func TestCommandOutputAndErrors(t *testing.T) {
	stubAdmin(t, json.RawMessage(`{"total":2,"inbound":1,"outbound":1}`), nil)
	stdout := &bytes.Buffer{}
	if code := run([]string{"peers", "counts"}, stdout, io.Discard); code != 0 {
		t.Fatalf("unexpected exit code %d", code)
	}
	want := "{\n  \"total\": 2,\n  \"inbound\": 1,\n  \"outbound\": 1\n}\n"
	if stdout.String() != want {
		t.Fatalf("unexpected stdout %q", stdout.String())
	}

	stubAdmin(t, nil, &adminError{Status: http.StatusNotFound, Message: "peer not found"})
	stderr := &bytes.Buffer{}
	if code := run([]string{"peers", "disconnect", "--id", "9"}, io.Discard, stderr); code != 1 {
		t.Fatalf("unexpected exit code %d", code)
	}
	if stderr.String() != "Request failed: admin error 404: peer not found\n" {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

func TestApplyGlobalFlags(t *testing.T) {
	original := adminEndpoint
	t.Cleanup(func() { adminEndpoint = original })

	rest, err := applyGlobalFlags([]string{"--admin", "http://node:1", "peers", "--admin=http://node:2", "counts"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if adminEndpoint != "http://node:2" {
		t.Fatalf("last --admin wins, got %s", adminEndpoint)
	}
	if !reflect.DeepEqual(rest, []string{"peers", "counts"}) {
		t.Fatalf("unexpected remaining args %v", rest)
	}
	if _, err := applyGlobalFlags([]string{"--admin"}); err == nil {
		t.Fatalf("missing value should fail")
	}
}

func TestCallAdminAgainstServer(t *testing.T) {
	var seenID, seenType string
	var seenBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = r.Header.Get("X-Request-Id")
		seenType = r.Header.Get("Content-Type")
		switch r.URL.Path {
		case "/bans":
			_ = json.NewDecoder(r.Body).Decode(&seenBody)
			w.WriteHeader(http.StatusCreated)
		case "/peers":
			_, _ = w.Write([]byte("[]\n"))
		default:
			http.Error(w, "nope", http.StatusTeapot)
		}
	}))
	defer srv.Close()

	original := adminEndpoint
	adminEndpoint = srv.URL + "/"
	t.Cleanup(func() { adminEndpoint = original })

	result, err := callAdmin(http.MethodGet, "/peers", nil)
	if err != nil || string(result) != "[]" {
		t.Fatalf("GET /peers = %q, %v", result, err)
	}
	if len(seenID) != 36 || seenType != "" {
		t.Fatalf("unexpected headers id=%q type=%q", seenID, seenType)
	}

	if _, err := callAdmin(http.MethodPost, "/bans", map[string]any{"subnet": "10.0.0.1"}); err != nil {
		t.Fatalf("POST /bans: %v", err)
	}
	if seenType != "application/json" || seenBody["subnet"] != "10.0.0.1" {
		t.Fatalf("unexpected request type=%q body=%v", seenType, seenBody)
	}

	_, err = callAdmin(http.MethodGet, "/other", nil)
	var aerr *adminError
	if !errors.As(err, &aerr) || aerr.Status != http.StatusTeapot || aerr.Message != "nope" {
		t.Fatalf("expected adminError, got %v", err)
	}
}
