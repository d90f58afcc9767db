// Command healthcheck queries the local uis API and exits non-zero unless
// the service reports itself healthy. It is meant for container health checks.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"
)

const defaultAddr = "127.0.0.1:8080"

func main() {
	os.Exit(check())
}

func check() int {
	addr := normalizeAddr(os.Getenv("UIS_LISTEN_ADDR"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/api/v1/health", addr), nil)
	if err != nil {
		return 1
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "healthcheck:", err)
		return 1
	}
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
		Store  string `json:"store"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil {
		fmt.Fprintln(os.Stderr, "healthcheck: decode response:", err)
		return 1
	}

	if resp.StatusCode != http.StatusOK || body.Status != "ok" {
		fmt.Fprintf(os.Stderr, "healthcheck: status %d, service %q, store %q\n", resp.StatusCode, body.Status, body.Store)
		return 1
	}

	return 0
}

// normalizeAddr points the check at loopback when the service binds all
// interfaces, since the check runs inside the same container.
func normalizeAddr(raw string) string {
	if raw == "" {
		return defaultAddr
	}

	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		return defaultAddr
	}

	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}

	return net.JoinHostPort(host, port)
}
