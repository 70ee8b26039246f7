package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/eventvault/internal/backend"
	"github.com/roach88/eventvault/internal/identity"
	"github.com/roach88/eventvault/internal/syncerr"
	"github.com/roach88/eventvault/internal/wire"
)

// VaultInfo is the server's description of a vault.
type VaultInfo struct {
	Vault   backend.VaultRecord `json:"vault"`
	Devices []string            `json:"devices"`
}

// VaultStats are the server's statistics for a vault.
type VaultStats struct {
	Entries         int64 `json:"entries"`
	Head            int64 `json:"head"`
	UsedBytes       int64 `json:"usedBytes"`
	Devices         int   `json:"devices"`
	MaxStorageBytes int64 `json:"maxStorageBytes"`
	Clients         int   `json:"clients"`
}

// API calls the server's vault routes.
type API struct {
	base      string
	namespace string
	token     string
	http      *http.Client
}

// NewAPI creates an API client. base may use the ws or http schemes.
func NewAPI(base, namespace, token string, hc *http.Client) (*API, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/sync")
	u.RawQuery = ""
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &API{base: u.String(), namespace: namespace, token: token, http: hc}, nil
}

func (a *API) do(ctx context.Context, method, publicKey, suffix string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	endpoint := a.base + "/v1/vaults/" + url.PathEscape(publicKey) + suffix + "?namespace=" + url.QueryEscape(a.namespace)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return syncerr.Transient(method+" "+suffix, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var env wire.ErrorEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err == nil && env.Kind != "" {
			return env.Err()
		}
		return syncerr.Transient("unexpected response "+resp.Status, nil)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return syncerr.Parse("decode response", err)
	}
	return nil
}

type noteBody struct {
	Note string `json:"note"`
}

// Create creates the vault for publicKey, or returns the existing one.
func (a *API) Create(ctx context.Context, publicKey, note string) (backend.VaultRecord, error) {
	var v backend.VaultRecord
	err := a.do(ctx, http.MethodPost, publicKey, "", noteBody{Note: note}, &v)
	return v, err
}

// Update sets the vault's note.
func (a *API) Update(ctx context.Context, publicKey, note string) (backend.VaultRecord, error) {
	var v backend.VaultRecord
	err := a.do(ctx, http.MethodPatch, publicKey, "", noteBody{Note: note}, &v)
	return v, err
}

// Destroy deletes the vault and its log.
func (a *API) Destroy(ctx context.Context, publicKey string) error {
	return a.do(ctx, http.MethodDelete, publicKey, "", nil, nil)
}

// Info returns the vault and its devices.
func (a *API) Info(ctx context.Context, publicKey string) (VaultInfo, error) {
	var info VaultInfo
	err := a.do(ctx, http.MethodGet, publicKey, "", nil, &info)
	return info, err
}

// Stats returns the vault's statistics.
func (a *API) Stats(ctx context.Context, publicKey string) (VaultStats, error) {
	var st VaultStats
	err := a.do(ctx, http.MethodGet, publicKey, "/stats", nil, &st)
	return st, err
}

// FetchStats implements identity.StatsFetcher.
func (a *API) FetchStats(ctx context.Context, publicKey string) (identity.RemoteStats, error) {
	st, err := a.Stats(ctx, publicKey)
	if err != nil {
		return identity.RemoteStats{}, err
	}
	return identity.RemoteStats{
		UsedStorageSize: st.UsedBytes,
		MaxStorageSize:  st.MaxStorageBytes,
		Entries:         st.Entries,
	}, nil
}
