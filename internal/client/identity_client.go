package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// IdentityHTTPClient implements service.IdentityClient against the platform
// identity service's HTTP API.
type IdentityHTTPClient struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewIdentityHTTPClient creates a client for the identity service.
func NewIdentityHTTPClient(baseURL string, timeout time.Duration, log zerolog.Logger) *IdentityHTTPClient {
	return &IdentityHTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// GetUserRoles returns the role names a user holds.
func (c *IdentityHTTPClient) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	var out struct {
		Roles []string `json:"roles"`
	}
	path := fmt.Sprintf("/api/v1/users/%s/roles", url.PathEscape(userID))
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Roles, nil
}

// GetUsersWithRole returns user IDs that hold the given role.
func (c *IdentityHTTPClient) GetUsersWithRole(ctx context.Context, role string) ([]string, error) {
	var out struct {
		UserIDs []string `json:"user_ids"`
	}
	path := fmt.Sprintf("/api/v1/roles/%s/users", url.PathEscape(role))
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.UserIDs, nil
}

// HasPermission checks a single permission for a user.
func (c *IdentityHTTPClient) HasPermission(ctx context.Context, userID, permission string) (bool, error) {
	var out struct {
		Allowed bool `json:"allowed"`
	}
	path := fmt.Sprintf("/api/v1/users/%s/permissions/check?permission=%s",
		url.PathEscape(userID), url.QueryEscape(permission))
	if err := c.get(ctx, path, &out); err != nil {
		return false, err
	}
	return out.Allowed, nil
}

func (c *IdentityHTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build identity request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("identity request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("identity service returned %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode identity response: %w", err)
	}
	return nil
}
