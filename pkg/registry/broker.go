package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// BrokerAdmin provisions and removes per-worker broker accounts
type BrokerAdmin interface {
	// EnsureUser creates or updates a broker user with the given password
	EnsureUser(ctx context.Context, username, password string) error
	// GrantWorkerPermissions scopes a user to its own queue and the
	// shared exchanges
	GrantWorkerPermissions(ctx context.Context, username, queue string) error
	// DeleteUser removes a broker user, disconnecting it
	DeleteUser(ctx context.Context, username string) error
}

// ManagementClient talks to the RabbitMQ management HTTP API
type ManagementClient struct {
	baseURL  string
	username string
	password string
	vhost    string
	client   *http.Client
}

// NewManagementClient creates a client for the management API at
// baseURL, authenticating with the admin credentials embedded in the
// broker URL
func NewManagementClient(baseURL, adminUser, adminPass string) *ManagementClient {
	return &ManagementClient{
		baseURL:  baseURL,
		username: adminUser,
		password: adminPass,
		vhost:    "/",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *ManagementClient) EnsureUser(ctx context.Context, username, password string) error {
	body := map[string]string{"password": password, "tags": "worker"}
	return c.do(ctx, http.MethodPut, "/api/users/"+url.PathEscape(username), body)
}

// GrantWorkerPermissions limits the user to declaring and consuming its
// own queue while publishing results and heartbeats
func (c *ManagementClient) GrantWorkerPermissions(ctx context.Context, username, queue string) error {
	perms := map[string]string{
		"configure": "^" + queue + "$",
		"write":     "^(monitoring_results|worker_heartbeat)$",
		"read":      "^(" + queue + "|worker_commands)$",
	}
	path := "/api/permissions/" + url.PathEscape(c.vhost) + "/" + url.PathEscape(username)
	return c.do(ctx, http.MethodPut, path, perms)
}

func (c *ManagementClient) DeleteUser(ctx context.Context, username string) error {
	return c.do(ctx, http.MethodDelete, "/api/users/"+url.PathEscape(username), nil)
}

func (c *ManagementClient) do(ctx context.Context, method, path string, body interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("broker admin encode: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("broker admin request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("broker admin %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && !(method == http.MethodDelete && resp.StatusCode == http.StatusNotFound) {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("broker admin %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	return nil
}
