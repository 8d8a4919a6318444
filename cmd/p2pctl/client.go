package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const adminTimeout = 10 * time.Second

var adminCall = callAdmin

// adminError is a non-2xx reply from the daemon.
type adminError struct {
	Status  int
	Message string
}

func (e *adminError) Error() string {
	return fmt.Sprintf("admin error %d: %s", e.Status, e.Message)
}

var httpClient = &http.Client{Timeout: adminTimeout}

// callAdmin issues one admin request. body, when non-nil, is sent as JSON.
// Every request carries a fresh X-Request-Id so daemon logs can be matched
// to the invocation.
func callAdmin(method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	url := strings.TrimRight(adminEndpoint, "/") + path
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &adminError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return json.RawMessage(bytes.TrimSpace(data)), nil
}

func writeResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "ok")
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, result, "", "  "); err != nil {
		fmt.Fprintln(w, string(result))
		return
	}
	fmt.Fprintln(w, buf.String())
}

func handleCallError(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "Request failed: %v\n", err)
	return 1
}
