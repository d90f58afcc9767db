package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/juju/errors"

	"github.com/testbed-io/uis/internal/domain/model"
	"github.com/testbed-io/uis/internal/domain/port/driven"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps a service error onto an HTTP status and a message that is
// safe to return to the client.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errors.NotValid),
		errors.Is(err, errors.AlreadyExists),
		errors.Is(err, errors.QuotaLimitExceeded):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, errors.Unauthorized):
		return http.StatusUnauthorized, "authentication required"
	case errors.Is(err, errors.Forbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, errors.NotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, driven.ErrRegistryUnavailable):
		return http.StatusServiceUnavailable, "identity registry unavailable"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

// KeyResponse is the JSON representation of a stored SSH key.
type KeyResponse struct {
	KeyID              string  `json:"key_id"`
	OwnerUUID          string  `json:"owner_uuid"`
	Category           string  `json:"category"`
	Name               string  `json:"name"`
	PublicKey          string  `json:"public_key"`
	PublicOpenSSH      string  `json:"public_openssh"`
	Comment            string  `json:"comment"`
	Description        string  `json:"description"`
	DescriptionHTML    string  `json:"description_html,omitempty"`
	Fingerprint        string  `json:"fingerprint"`
	CreatedAt          string  `json:"created_at"`
	ExpiresAt          *string `json:"expires_at"`
	Active             bool    `json:"active"`
	DeactivatedAt      *string `json:"deactivated_at,omitempty"`
	DeactivationReason string  `json:"deactivation_reason,omitempty"`
	Mirrored           bool    `json:"mirrored"`
}

// KeyPairResponse is returned once when a key pair is generated.
type KeyPairResponse struct {
	KeyResponse
	PrivateOpenSSH string `json:"private_openssh"`
}

// UploadKeyRequest is the JSON body for storing an existing public key.
type UploadKeyRequest struct {
	PublicOpenSSH string `json:"public_openssh"`
	Description   string `json:"description"`
}

// GenerateKeyRequest is the JSON body for generating a key pair.
type GenerateKeyRequest struct {
	Comment     string `json:"comment"`
	Description string `json:"description"`
}

// ChangeResponse is one entry of the bastion change feed.
type ChangeResponse struct {
	KeyID         string  `json:"key_id"`
	Login         string  `json:"login"`
	Status        string  `json:"status"`
	PublicOpenSSH string  `json:"public_openssh"`
	Fingerprint   string  `json:"fingerprint"`
	CreatedAt     string  `json:"created_at"`
	ExpiresAt     *string `json:"expires_at"`
	DeactivatedAt *string `json:"deactivated_at,omitempty"`
}

// FeedResponse is the bastion change feed body.
type FeedResponse struct {
	Since       string           `json:"since"`
	Activated   []ChangeResponse `json:"activated"`
	Deactivated []ChangeResponse `json:"deactivated"`
}

// WhoamiResponse describes the authenticated caller.
type WhoamiResponse struct {
	UUID             string `json:"uuid"`
	Name             string `json:"name"`
	Email            string `json:"email"`
	BastionLogin     string `json:"bastion_login"`
	Active           bool   `json:"active"`
	RegistryPersonID string `json:"registry_person_id,omitempty"`
	RegisteredAt     string `json:"registered_at"`
}

// PersonResponse is a person's own record.
type PersonResponse struct {
	UUID             string `json:"uuid"`
	Name             string `json:"name"`
	Email            string `json:"email"`
	BastionLogin     string `json:"bastion_login"`
	RegistryPersonID string `json:"registry_person_id,omitempty"`
	RegisteredAt     string `json:"registered_at"`
}

// PersonShortResponse is one people search hit.
type PersonShortResponse struct {
	UUID  string `json:"uuid"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// UUIDResponse carries a person uuid.
type UUIDResponse struct {
	UUID string `json:"uuid"`
}

// VersionResponse describes the running build.
type VersionResponse struct {
	Version       string `json:"version"`
	GitSHA        string `json:"gitsha1"`
	SchemaVersion uint   `json:"schema_version"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Store    string `json:"store"`
	Registry string `json:"registry"`
	Time     string `json:"time"`
}

func toKeyResponse(k model.SSHKey) KeyResponse {
	return KeyResponse{
		KeyID:              k.KeyID,
		OwnerUUID:          k.OwnerUUID,
		Category:           string(k.Category),
		Name:               k.Name,
		PublicKey:          k.PublicKey,
		PublicOpenSSH:      k.AuthorizedKey(),
		Comment:            k.Comment,
		Description:        k.Description,
		Fingerprint:        k.Fingerprint,
		CreatedAt:          k.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:          formatTimePtr(k.ExpiresAt),
		Active:             k.Active,
		DeactivatedAt:      formatTimePtr(k.DeactivatedAt),
		DeactivationReason: k.DeactivationReason,
		Mirrored:           k.IsMirrored(),
	}
}

func toChangeResponse(c model.KeyChange, status model.KeyStatus) ChangeResponse {
	return ChangeResponse{
		KeyID:         c.Key.KeyID,
		Login:         c.Login,
		Status:        string(status),
		PublicOpenSSH: c.Key.AuthorizedKey(),
		Fingerprint:   c.Key.Fingerprint,
		CreatedAt:     c.Key.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:     formatTimePtr(c.Key.ExpiresAt),
		DeactivatedAt: formatTimePtr(c.Key.DeactivatedAt),
	}
}

func toFeedResponse(set model.ChangeSet) FeedResponse {
	resp := FeedResponse{
		Since:       set.Since.UTC().Format(time.RFC3339Nano),
		Activated:   make([]ChangeResponse, 0, len(set.Activated)),
		Deactivated: make([]ChangeResponse, 0, len(set.Deactivated)),
	}
	for _, c := range set.Activated {
		resp.Activated = append(resp.Activated, toChangeResponse(c, model.KeyStatusActive))
	}
	for _, c := range set.Deactivated {
		resp.Deactivated = append(resp.Deactivated, toChangeResponse(c, model.KeyStatusDeactivated))
	}
	return resp
}
