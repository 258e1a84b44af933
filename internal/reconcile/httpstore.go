package reconcile

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

	"github.com/plankcoach/plankagent/internal/config"
)

// HTTPStore manages subscription rows through the backend's REST surface.
// Every call carries the caller's bearer token; the store itself holds no
// credentials.
type HTTPStore struct {
	base       string
	httpClient *http.Client
}

func NewHTTPStore(cfg config.ReconcileConfig) (*HTTPStore, error) {
	base := strings.TrimRight(cfg.APIBase, "/")
	if base == "" {
		return nil, fmt.Errorf("reconcile: apiBase is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("reconcile: parse apiBase %q: %w", cfg.APIBase, err)
	}
	return &HTTPStore{
		base:       base,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

type storedRow struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
	UserID   string `json:"user_id"`
	Active   bool   `json:"active"`
}

func (s *HTTPStore) rowsURL(userID string) string {
	return fmt.Sprintf("%s/push_subscriptions?user_id=eq.%s&active=is.true", s.base, url.QueryEscape(userID))
}

// List returns the user's active subscription rows.
func (s *HTTPStore) List(ctx context.Context, creds Credentials) ([]Row, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.rowsURL(creds.UserID), nil)
	if err != nil {
		return nil, fmt.Errorf("reconcile: build list request: %w", err)
	}
	body, err := s.do(req, creds)
	if err != nil {
		return nil, err
	}

	var rows []storedRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("reconcile: decode rows: %w", err)
	}
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		out = append(out, Row{ID: row.ID, Endpoint: row.Endpoint})
	}
	return out, nil
}

// DeleteAll removes every row for the user. Deleting nothing succeeds.
func (s *HTTPStore) DeleteAll(ctx context.Context, creds Credentials) error {
	target := fmt.Sprintf("%s/push_subscriptions?user_id=eq.%s", s.base, url.QueryEscape(creds.UserID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return fmt.Errorf("reconcile: build delete request: %w", err)
	}
	_, err = s.do(req, creds)
	return err
}

// Save persists one fresh subscription row.
func (s *HTTPStore) Save(ctx context.Context, creds Credentials, sub Subscription) error {
	row := storedRow{Endpoint: sub.Endpoint, UserID: creds.UserID, Active: true}
	payload := map[string]any{
		"endpoint": row.Endpoint,
		"user_id":  row.UserID,
		"active":   row.Active,
		"keys":     sub.Keys,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("reconcile: encode row: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/push_subscriptions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("reconcile: build save request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = s.do(req, creds)
	return err
}

func (s *HTTPStore) do(req *http.Request, creds Credentials) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+creds.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reconcile: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("reconcile: %s %s: unexpected status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	return body, nil
}
