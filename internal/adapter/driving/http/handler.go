// Package httphandler is the REST driving adapter.
package httphandler

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/testbed-io/uis/internal/application"
	"github.com/testbed-io/uis/internal/domain/model"
	"github.com/testbed-io/uis/internal/domain/port/driven"
)

const (
	maxBodyBytes = 64 << 10
	secretHeader = "X-Bastion-Secret"
)

// BuildInfo identifies the running binary and its database schema.
type BuildInfo struct {
	Version string
	GitSHA  string
	Schema  uint
}

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	persons    *application.PersonService
	keys       *application.KeyService
	feed       *application.ChangeFeed
	health     *application.HealthService
	build      BuildInfo
	feedSecret string
	logger     *slog.Logger
}

// NewHandler creates a Handler with all required dependencies. An empty
// feedSecret disables the bastion change feed.
func NewHandler(
	persons *application.PersonService,
	keys *application.KeyService,
	feed *application.ChangeFeed,
	health *application.HealthService,
	build BuildInfo,
	feedSecret string,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		persons:    persons,
		keys:       keys,
		feed:       feed,
		health:     health,
		build:      build,
		feedSecret: feedSecret,
		logger:     logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/sshkeys/{category}/{uuid}", h.ListKeys)
	mux.HandleFunc("POST /api/v1/sshkeys/{category}/{uuid}", h.UploadKey)
	mux.HandleFunc("PUT /api/v1/sshkeys/{category}/{uuid}", h.GenerateKey)
	mux.HandleFunc("GET /api/v1/sshkeys/{category}/{uuid}/{keyid}", h.GetKey)
	mux.HandleFunc("DELETE /api/v1/sshkeys/{category}/{uuid}/{keyid}", h.DeleteKey)
	mux.HandleFunc("GET /api/v1/bastionkeys", h.BastionKeys)
	mux.HandleFunc("GET /api/v1/whoami", h.Whoami)
	mux.HandleFunc("GET /api/v1/people", h.SearchPeople)
	mux.HandleFunc("GET /api/v1/people/{uuid}", h.GetPerson)
	mux.HandleFunc("GET /api/v1/uuid/oidc_claim_sub", h.UUIDForSubject)
	mux.HandleFunc("GET /api/v1/version", h.Version)
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// keyRoute holds the validated path parameters of a key route.
type keyRoute struct {
	category model.Category
	owner    string
}

// parseKeyRoute validates the category and owner path values.
func parseKeyRoute(r *http.Request) (keyRoute, error) {
	category, err := model.ParseCategory(r.PathValue("category"))
	if err != nil {
		return keyRoute{}, errors.NewNotValid(err, "")
	}
	owner, err := uuid.Parse(r.PathValue("uuid"))
	if err != nil {
		return keyRoute{}, errors.NotValidf("owner uuid %q", r.PathValue("uuid"))
	}
	return keyRoute{category: category, owner: owner.String()}, nil
}

// authorize checks the route and that the caller owns it.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, requireActive bool) (keyRoute, model.Person, bool) {
	route, err := parseKeyRoute(r)
	if err != nil {
		h.fail(w, r, err)
		return keyRoute{}, model.Person{}, false
	}

	owner, err := h.persons.Authorize(r.Context(), identityToken(r), route.owner, requireActive)
	if err != nil {
		h.fail(w, r, err)
		return keyRoute{}, model.Person{}, false
	}
	return route, owner, true
}

// fail writes the error response for err and logs server side failures.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	switch {
	case errors.Is(err, driven.ErrInconsistentState):
		h.logger.Error("inconsistent local state", "method", r.Method, "path", r.URL.Path, "error", err)
	case status >= http.StatusInternalServerError:
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		h.logger.Info("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "reason", err)
	}
	writeError(w, status, msg)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.NotValidf("request body: %v", err)
	}
	return nil
}

// ListKeys returns the owner's active keys of a category.
func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	route, owner, ok := h.authorize(w, r, false)
	if !ok {
		return
	}

	keys, err := h.keys.ListActive(r.Context(), owner, route.category)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := make([]KeyResponse, 0, len(keys))
	for _, k := range keys {
		resp = append(resp, toKeyResponse(k))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetKey returns one key regardless of its state.
func (h *Handler) GetKey(w http.ResponseWriter, r *http.Request) {
	route, owner, ok := h.authorize(w, r, false)
	if !ok {
		return
	}

	key, err := h.keys.Get(r.Context(), owner, route.category, r.PathValue("keyid"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := toKeyResponse(key)
	resp.DescriptionHTML = renderDescription(key.Description)
	writeJSON(w, http.StatusOK, resp)
}

// UploadKey stores a public key supplied by the caller.
func (h *Handler) UploadKey(w http.ResponseWriter, r *http.Request) {
	route, owner, ok := h.authorize(w, r, true)
	if !ok {
		return
	}

	var req UploadKeyRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	key, err := h.keys.Upload(r.Context(), &owner, route.category, req.PublicOpenSSH, req.Description)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toKeyResponse(key))
}

// GenerateKey creates a key pair and returns both halves once.
func (h *Handler) GenerateKey(w http.ResponseWriter, r *http.Request) {
	route, owner, ok := h.authorize(w, r, true)
	if !ok {
		return
	}

	var req GenerateKeyRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	pair, err := h.keys.Generate(r.Context(), &owner, route.category, req.Comment, req.Description)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, KeyPairResponse{
		KeyResponse:    toKeyResponse(pair.Key),
		PrivateOpenSSH: pair.PrivateKey,
	})
}

// DeleteKey deactivates one of the caller's keys.
func (h *Handler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	route, owner, ok := h.authorize(w, r, false)
	if !ok {
		return
	}

	if err := h.keys.Deactivate(r.Context(), owner, route.category, r.PathValue("keyid")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BastionKeys returns the bastion key changes since the given timestamp.
func (h *Handler) BastionKeys(w http.ResponseWriter, r *http.Request) {
	if !h.feedAllowed(r) {
		h.fail(w, r, errors.Forbiddenf("bastion feed secret"))
		return
	}

	since, err := application.ParseSince(r.URL.Query().Get("since"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	set, err := h.feed.ListChanges(r.Context(), model.CategoryBastion, since)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFeedResponse(set))
}

func (h *Handler) feedAllowed(r *http.Request) bool {
	if h.feedSecret == "" {
		return false
	}
	got := r.Header.Get(secretHeader)
	if got == "" {
		got = r.URL.Query().Get("secret")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.feedSecret)) == 1
}

// Whoami describes the authenticated caller, registering them on first contact.
func (h *Handler) Whoami(w http.ResponseWriter, r *http.Request) {
	p, activity, err := h.persons.Whoami(r.Context(), identityToken(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, WhoamiResponse{
		UUID:             p.UUID,
		Name:             p.Name,
		Email:            p.Email,
		BastionLogin:     p.BastionLogin,
		Active:           activity.Active,
		RegistryPersonID: p.RegistryPersonID,
		RegisteredAt:     p.RegisteredAt.UTC().Format(time.RFC3339),
	})
}

// GetPerson returns the caller's own person record.
func (h *Handler) GetPerson(w http.ResponseWriter, r *http.Request) {
	p, err := h.persons.Person(r.Context(), identityToken(r), r.PathValue("uuid"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, PersonResponse{
		UUID:             p.UUID,
		Name:             p.Name,
		Email:            p.Email,
		BastionLogin:     p.BastionLogin,
		RegistryPersonID: p.RegistryPersonID,
		RegisteredAt:     p.RegisteredAt.UTC().Format(time.RFC3339),
	})
}

// SearchPeople lists people whose name contains the person_name fragment.
func (h *Handler) SearchPeople(w http.ResponseWriter, r *http.Request) {
	found, err := h.persons.SearchPeople(r.Context(), identityToken(r), r.URL.Query().Get("person_name"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := make([]PersonShortResponse, 0, len(found))
	for _, p := range found {
		resp = append(resp, PersonShortResponse{UUID: p.UUID, Name: p.Name, Email: p.Email})
	}
	writeJSON(w, http.StatusOK, resp)
}

// UUIDForSubject maps the oidc_claim_sub query value onto a person uuid.
func (h *Handler) UUIDForSubject(w http.ResponseWriter, r *http.Request) {
	id, err := h.persons.UUIDForSubject(r.Context(), identityToken(r), r.URL.Query().Get("oidc_claim_sub"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UUIDResponse{UUID: id})
}

// Version describes the running build. It needs no credentials.
func (h *Handler) Version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{
		Version:       h.build.Version,
		GitSHA:        h.build.GitSHA,
		SchemaVersion: h.build.Schema,
	})
}

// Health reports store reachability. A degraded store answers 503 so
// container health checks fail.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.health.Check(r.Context())
	status := http.StatusOK
	if report.Status != application.HealthOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, HealthResponse{
		Status:   report.Status,
		Store:    report.Store,
		Registry: report.Registry,
		Time:     report.Time.Format(time.RFC3339),
	})
}

