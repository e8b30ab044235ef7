package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	nethttp "net/http"

	"github.com/atinyakov/identityhub/internal/config"
	"github.com/atinyakov/identityhub/internal/server/handler/http"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Migrate, ensure the super-user and serve the status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	a.log.Info("starting identityhub", zap.String("version", version), zap.String("buildDate", buildDate))

	res, err := a.bootstrap(ctx)
	if err != nil {
		return err
	}
	defer res.Close()

	status := &http.StatusHandler{Bootstrap: res.seeder, Migrations: res.Migrations, Version: version}
	tlsConfig, err := loadTLSConfig(a.opts.TLS)
	if err != nil {
		return err
	}
	server := &nethttp.Server{
		Addr:              a.opts.Address,
		Handler:           http.NewRouter(status, a.log, a.opts.TLS.ClientCAFile != ""),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if tlsConfig != nil {
			a.log.Info("starting HTTPS server", zap.String("addr", server.Addr))
			errCh <- server.ListenAndServeTLS("", "")
			return
		}
		a.log.Info("starting HTTP server", zap.String("addr", server.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, nethttp.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
		a.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// loadTLSConfig returns nil when TLS is not configured. With a client CA
// presented certificates are verified against it.
func loadTLSConfig(opts config.TLSOptions) (*tls.Config, error) {
	if opts.CertFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server TLS cert/key: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if opts.ClientCAFile == "" {
		return cfg, nil
	}

	caCert, err := os.ReadFile(opts.ClientCAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("failed to append CA cert to pool")
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.VerifyClientCertIfGiven
	return cfg, nil
}
