// Package main is the identityhub command: it migrates the participant
// stores, provisions the super-user and serves the status API.
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

func main() {
	a := &app{}
	if err := newRootCmd(a).Execute(); err != nil {
		if a.log != nil {
			a.log.Error("identityhub failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, "identityhub:", err)
		}
		os.Exit(1)
	}
}
