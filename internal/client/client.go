// Package client queries the identityhub status API, optionally over
// mutual TLS with certificates issued by certgen.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	api "github.com/atinyakov/identityhub/internal/server/handler/http"
)

const requestTimeout = 10 * time.Second

// TLSFiles locates the client certificate, its key and the CA of the server.
// All empty means plain HTTP or the system roots.
type TLSFiles struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// Client talks to one identityhub instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for baseURL (e.g. https://localhost:8080).
func New(baseURL string, files TLSFiles) (*Client, error) {
	httpClient, err := newHTTPClient(files)
	if err != nil {
		return nil, err
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}, nil
}

func newHTTPClient(files TLSFiles) (*http.Client, error) {
	if files == (TLSFiles{}) {
		return &http.Client{Timeout: requestTimeout}, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if files.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert/key: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if files.CAFile != "" {
		caCert, err := os.ReadFile(files.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA cert")
		}
		cfg.RootCAs = pool
	}
	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: cfg},
		Timeout:   requestTimeout,
	}, nil
}

// Status fetches GET /api/status.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var resp api.StatusResponse
	if err := c.get(ctx, "/api/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health fetches GET /api/health and fails unless the server reports ok.
func (c *Client) Health(ctx context.Context) error {
	var resp map[string]string
	if err := c.get(ctx, api.HealthPath, &resp); err != nil {
		return err
	}
	if resp["status"] != "ok" {
		return fmt.Errorf("unhealthy: %q", resp["status"])
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server error: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
