package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/atinyakov/identityhub/internal/certgen"
	"github.com/atinyakov/identityhub/internal/migration"
	api "github.com/atinyakov/identityhub/internal/server/handler/http"
	"github.com/atinyakov/identityhub/internal/seed"
	"go.uber.org/zap"
)

type fakeBootstrap struct{}

func (fakeBootstrap) ParticipantID() string { return "super-user" }
func (fakeBootstrap) State() seed.State     { return seed.StateExists }

func newRouter(requireClientCert bool) http.Handler {
	status := &api.StatusHandler{
		Bootstrap:  fakeBootstrap{},
		Migrations: []migration.Result{{Subsystem: migration.STSClient, From: 1, To: 2, Applied: []int{2}}},
	}
	return api.NewRouter(status, zap.NewNop(), requireClientCert)
}

func TestStatus_PlainHTTP(t *testing.T) {
	srv := httptest.NewServer(newRouter(false))
	defer srv.Close()

	c, err := New(srv.URL+"/", TLSFiles{})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health error: %v", err)
	}
	resp, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status error: %v", err)
	}
	if resp.SuperUser.State != seed.StateExists || len(resp.Subsystems) != 1 || resp.Subsystems[0].Version != 2 {
		t.Errorf("unexpected status: %+v", resp)
	}
}

func TestStatus_MutualTLS(t *testing.T) {
	dir := t.TempDir()
	ca, err := certgen.NewCA("test CA")
	if err != nil {
		t.Fatal(err)
	}
	server, err := certgen.Issue("127.0.0.1", ca, certgen.UsageServer)
	if err != nil {
		t.Fatal(err)
	}
	operator, err := certgen.Issue("operator", ca, certgen.UsageClient)
	if err != nil {
		t.Fatal(err)
	}
	for name, b := range map[string]*certgen.Bundle{"ca": ca, "operator": operator} {
		if err := certgen.WriteFiles(dir, name, b); err != nil {
			t.Fatal(err)
		}
	}

	serverCert, err := tls.X509KeyPair(server.CertPEM, server.KeyPEM)
	if err != nil {
		t.Fatal(err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(ca.Cert)

	srv := httptest.NewUnstartedServer(newRouter(true))
	srv.TLS = &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientCAs:    pool,
		ClientAuth:   tls.VerifyClientCertIfGiven,
	}
	srv.StartTLS()
	defer srv.Close()

	withCert, err := New(srv.URL, TLSFiles{
		CertFile: filepath.Join(dir, "operator.crt"),
		KeyFile:  filepath.Join(dir, "operator.key"),
		CAFile:   filepath.Join(dir, "ca.crt"),
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if _, err := withCert.Status(context.Background()); err != nil {
		t.Fatalf("Status with client cert: %v", err)
	}

	withoutCert, err := New(srv.URL, TLSFiles{CAFile: filepath.Join(dir, "ca.crt")})
	if err != nil {
		t.Fatal(err)
	}
	if err := withoutCert.Health(context.Background()); err != nil {
		t.Errorf("Health must not need a client cert: %v", err)
	}
	_, err = withoutCert.Status(context.Background())
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("expected 401 without client cert, got %v", err)
	}
}

func TestNew_BadFiles(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name  string
		files TLSFiles
	}{
		{"missing cert", TLSFiles{CertFile: filepath.Join(dir, "a.crt"), KeyFile: filepath.Join(dir, "a.key")}},
		{"missing ca", TLSFiles{CAFile: filepath.Join(dir, "ca.crt")}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New("https://localhost", tc.files); err == nil {
				t.Error("expected error")
			}
		})
	}
}
