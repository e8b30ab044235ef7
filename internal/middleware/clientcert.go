// Package middleware provides HTTP middlewares for client certificate
// checks and request logging.
package middleware

import (
	"net/http"
)

// RequireClientCert rejects requests that did not present a TLS client
// certificate, except for the given public paths.
//
// The server's tls.Config is responsible for verifying the chain; this
// middleware only enforces that a certificate was presented.
func RequireClientCert(publicPaths ...string) func(http.Handler) http.Handler {
	public := make(map[string]struct{}, len(publicPaths))
	for _, p := range publicPaths {
		public[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := public[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
				http.Error(w, "no client certificate provided", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientName returns the Common Name of the client certificate presented with
// r, or an empty string.
func ClientName(r *http.Request) string {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return ""
	}
	return r.TLS.PeerCertificates[0].Subject.CommonName
}
