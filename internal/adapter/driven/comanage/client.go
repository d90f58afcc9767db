// Package comanage implements the RegistryClient port against a COmanage
// Registry REST API.
package comanage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	"github.com/gregjones/httpcache"
	"github.com/juju/errors"

	"github.com/testbed-io/uis/internal/domain/model"
	"github.com/testbed-io/uis/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RegistryClient = (*Client)(nil)

const statusActive = "Active"

// Config holds what the client needs to reach one registry collaboration.
type Config struct {
	BaseURL   string
	User      string
	Key       string
	CoID      string
	ActiveCOU string // Group whose active members are authorised users. Empty accepts any active role.
	Timeout   time.Duration

	// CacheEntries bounds the response cache; zero means DefaultCacheEntries.
	CacheEntries int
}

// Client implements the driven.RegistryClient port over plain JSON HTTP.
type Client struct {
	http    *http.Client
	baseURL *url.URL
	user    string
	key     string
	coID    string
	cou     string
}

// NewClient creates a registry client with the following transport stack:
//  1. httpcache over an LRU of cfg.CacheEntries responses (ETag-based
//     conditional request caching)
//  2. go-github-ratelimit (backs off on 429 / Retry-After responses)
//  3. basic-auth JSON requests issued by Client
func NewClient(cfg Config) (*Client, error) {
	cache, err := newLRUCache(cfg.CacheEntries)
	if err != nil {
		return nil, errors.Annotate(err, "registry response cache")
	}
	cacheTransport := httpcache.NewTransport(cache)
	httpClient := github_ratelimit.NewClient(cacheTransport)
	httpClient.Timeout = cfg.Timeout

	return NewClientWithHTTPClient(httpClient, cfg)
}

// NewClientWithHTTPClient creates a Client with a custom http.Client.
// This constructor is intended for testing, allowing injection of an httptest server.
func NewClientWithHTTPClient(httpClient *http.Client, cfg Config) (*Client, error) {
	base := cfg.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parsing registry URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.NotValidf("registry URL %q", cfg.BaseURL)
	}

	return &Client{
		http:    httpClient,
		baseURL: u,
		user:    cfg.User,
		key:     cfg.Key,
		coID:    cfg.CoID,
		cou:     cfg.ActiveCOU,
	}, nil
}

// flexID accepts registry ids encoded either as JSON numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type rolesResponse struct {
	CoPersonRoles []struct {
		ID     flexID `json:"Id"`
		CouID  flexID `json:"CouId"`
		Status string `json:"Status"`
	} `json:"CoPersonRoles"`
}

type peopleResponse struct {
	CoPeople []struct {
		ID     flexID `json:"Id"`
		Status string `json:"Status"`
	} `json:"CoPeople"`
}

type identifiersResponse struct {
	Identifiers []struct {
		Type       string `json:"Type"`
		Identifier string `json:"Identifier"`
	} `json:"Identifiers"`
}

type sshKeyPerson struct {
	Type string `json:"Type"`
	ID   string `json:"Id"`
}

type sshKeyEntry struct {
	Version string       `json:"Version"`
	Person  sshKeyPerson `json:"Person"`
	Comment string       `json:"Comment"`
	Type    string       `json:"Type"`
	Skey    string       `json:"Skey"`
}

type sshKeyRequest struct {
	RequestType string        `json:"RequestType"`
	Version     string        `json:"Version"`
	SshKeys     []sshKeyEntry `json:"SshKeys"`
}

type createResponse struct {
	ID flexID `json:"Id"`
}

// PersonRoles returns the role memberships of a registry person.
func (c *Client) PersonRoles(ctx context.Context, registryPersonID string) ([]model.RegistryRole, error) {
	var resp rolesResponse
	q := url.Values{"copersonid": {registryPersonID}}
	if err := c.do(ctx, http.MethodGet, "co_person_roles.json", q, nil, &resp); err != nil {
		return nil, fmt.Errorf("roles of registry person %s: %w", registryPersonID, err)
	}

	roles := make([]model.RegistryRole, 0, len(resp.CoPersonRoles))
	for _, r := range resp.CoPersonRoles {
		roles = append(roles, model.RegistryRole{ID: string(r.ID), CouID: string(r.CouID), Status: r.Status})
	}
	return roles, nil
}

// IsActiveMember reports whether any role is an active membership of the
// configured group.
func (c *Client) IsActiveMember(roles []model.RegistryRole) bool {
	for _, r := range roles {
		if r.Status != statusActive {
			continue
		}
		if c.cou == "" || r.CouID == c.cou {
			return true
		}
	}
	return false
}

// SearchPeople finds registry persons by e-mail, falling back to name
// tokens when the query carries no e-mail.
func (c *Client) SearchPeople(ctx context.Context, pq model.PersonQuery) ([]model.RegistryPerson, error) {
	if pq.IsEmpty() {
		return []model.RegistryPerson{}, nil
	}

	q := url.Values{"coid": {c.coID}}
	if pq.Email != "" {
		q.Set("search.mail", pq.Email)
	} else {
		if pq.Given != "" {
			q.Set("search.given", pq.Given)
		}
		if pq.Family != "" {
			q.Set("search.family", pq.Family)
		}
	}

	var resp peopleResponse
	if err := c.do(ctx, http.MethodGet, "co_people.json", q, nil, &resp); err != nil {
		if errors.Is(err, driven.ErrRegistryNotFound) {
			return []model.RegistryPerson{}, nil
		}
		return nil, fmt.Errorf("search registry people: %w", err)
	}

	people := make([]model.RegistryPerson, 0, len(resp.CoPeople))
	for _, p := range resp.CoPeople {
		people = append(people, model.RegistryPerson{ID: string(p.ID), Status: p.Status})
	}
	return people, nil
}

// Identifier returns the identifier of idType attached to a registry person.
func (c *Client) Identifier(ctx context.Context, registryPersonID, idType string) (string, error) {
	var resp identifiersResponse
	q := url.Values{"copersonid": {registryPersonID}}
	if err := c.do(ctx, http.MethodGet, "identifiers.json", q, nil, &resp); err != nil {
		return "", fmt.Errorf("identifiers of registry person %s: %w", registryPersonID, err)
	}

	for _, id := range resp.Identifiers {
		if id.Type == idType {
			return id.Identifier, nil
		}
	}
	return "", nil
}

// CreateSSHKey attaches a key copy to the registry person.
func (c *Client) CreateSSHKey(ctx context.Context, registryPersonID string, key model.SSHKey) (string, error) {
	body := sshKeyRequest{
		RequestType: "SshKeys",
		Version:     "1.0",
		SshKeys: []sshKeyEntry{{
			Version: "1.0",
			Person:  sshKeyPerson{Type: "CO", ID: registryPersonID},
			Comment: key.Comment,
			Type:    key.Name,
			Skey:    key.PublicKey,
		}},
	}

	var resp createResponse
	if err := c.do(ctx, http.MethodPost, "ssh_keys.json", nil, body, &resp); err != nil {
		return "", fmt.Errorf("create registry key for person %s: %w", registryPersonID, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create registry key: empty id in response: %w", driven.ErrRegistryUnavailable)
	}
	return string(resp.ID), nil
}

// DeleteSSHKey removes a registry key copy.
func (c *Client) DeleteSSHKey(ctx context.Context, registryKeyID string) error {
	if err := c.do(ctx, http.MethodDelete, "ssh_keys/"+url.PathEscape(registryKeyID)+".json", nil, nil, nil); err != nil {
		return fmt.Errorf("delete registry key %s: %w", registryKeyID, err)
	}
	return nil
}

// do issues one request. Transport failures and unexpected statuses map to
// ErrRegistryUnavailable; 404 maps to ErrRegistryNotFound. A 204 leaves out
// untouched.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.baseURL.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.user, c.key)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		slog.Warn("registry request failed", "method", method, "path", path, "error", err)
		return fmt.Errorf("%s %s: %v: %w", method, path, err, driven.ErrRegistryUnavailable)
	}
	defer resp.Body.Close()

	slog.Debug("registry request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, driven.ErrRegistryNotFound)
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s: %w",
			method, path, resp.StatusCode, strings.TrimSpace(string(snippet)), driven.ErrRegistryUnavailable)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%s %s: decode response: %v: %w", method, path, err, driven.ErrRegistryUnavailable)
	}
	return nil
}
