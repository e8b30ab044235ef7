// Package http provides the HTTP status API of the identity hub: liveness
// and the outcome of the startup bootstrap.
package http

import (
	"encoding/json"
	"net/http"

	"github.com/atinyakov/identityhub/internal/migration"
	"github.com/atinyakov/identityhub/internal/seed"
)

// BootstrapReporter exposes the state of the super-user bootstrap.
type BootstrapReporter interface {
	ParticipantID() string
	State() seed.State
}

// StatusHandler serves the bootstrap status. It never exposes credentials.
type StatusHandler struct {
	// Bootstrap reports the super-user seed state.
	Bootstrap BootstrapReporter
	// Migrations holds the results of the startup migrations.
	Migrations []migration.Result
	// Version is the build version.
	Version string
}

// SuperUserStatus is the super-user section of StatusResponse.
type SuperUserStatus struct {
	ParticipantID string     `json:"participantId"`
	State         seed.State `json:"state"`
}

// SubsystemStatus is the schema version of one migration subsystem.
type SubsystemStatus struct {
	Subsystem string `json:"subsystem"`
	Version   int    `json:"version"`
	Applied   []int  `json:"applied"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Version    string            `json:"version,omitempty"`
	SuperUser  SuperUserStatus   `json:"superUser"`
	Subsystems []SubsystemStatus `json:"subsystems"`
}

// Status writes the StatusResponse as JSON.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Version: h.Version,
		SuperUser: SuperUserStatus{
			ParticipantID: h.Bootstrap.ParticipantID(),
			State:         h.Bootstrap.State(),
		},
		Subsystems: make([]SubsystemStatus, 0, len(h.Migrations)),
	}
	for _, m := range h.Migrations {
		applied := m.Applied
		if applied == nil {
			applied = []int{}
		}
		resp.Subsystems = append(resp.Subsystems, SubsystemStatus{Subsystem: m.Subsystem, Version: m.To, Applied: applied})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Health reports that the process is serving.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
