// ABOUTME: HTTP API for credential issuance and project structure notifications
// ABOUTME: Every route here sits behind the bearer token middleware

package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/2389/coven-runs/internal/auth"
	"github.com/2389/coven-runs/internal/broadcast"
)

// CredentialResponse is the body of a successful POST /api/credentials.
type CredentialResponse struct {
	Credential string    `json:"credential"`
	Status     string    `json:"status"`
	IssuedAt   time.Time `json:"issued_at"`
}

// handleIssueCredential handles POST /api/credentials. The credential is
// bound to the principal of the bearer token.
func (g *Gateway) handleIssueCredential(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	principalID := auth.FromContext(r.Context()).Principal()

	cred := g.issuer.Issue(principalID)
	g.metrics.Credential(r.Context(), "issued")
	g.logger.Debug("credential issued", "principal_id", principalID, "pending", g.issuer.Pending())

	writeJSON(w, http.StatusOK, CredentialResponse{
		Credential: cred.ID,
		Status:     "success",
		IssuedAt:   cred.IssuedAt,
	})
}

// handleProjectUpdate handles POST /api/projects/structure and fans the
// update out to every connected socket.
func (g *Gateway) handleProjectUpdate(w http.ResponseWriter, r *http.Request) {
	var update broadcast.ProjectUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if update.ProjectID == "" {
		sendJSONError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	if update.At.IsZero() {
		update.At = time.Now().UTC()
	}

	g.notifier.ProjectStructureUpdated(r.Context(), update)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
