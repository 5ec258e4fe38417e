package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"
)

// EnrollClient talks to the registration API on the worker's behalf
type EnrollClient struct {
	baseURL string
	email   string
	region  string
	token   string
	client  *http.Client
}

// NewEnrollClient creates a registration client. token is the shared
// registration secret, empty when the API runs open.
func NewEnrollClient(baseURL, ownerEmail, region, token string) *EnrollClient {
	return &EnrollClient{
		baseURL: baseURL,
		email:   ownerEmail,
		region:  region,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type enrollRequest struct {
	WorkerID   string `json:"workerId,omitempty"`
	OwnerEmail string `json:"ownerEmail"`
	Hostname   string `json:"hostname"`
	Platform   string `json:"platform"`
	Region     string `json:"region"`
	PublicKey  string `json:"publicKey"`
}

type enrollResponse struct {
	WorkerID string `json:"workerId"`
	Approved bool   `json:"approved"`
	Message  string `json:"message"`
}

type statusResponse struct {
	WorkerID    string `json:"workerId"`
	Approved    bool   `json:"approved"`
	Revoked     bool   `json:"revoked"`
	Region      string `json:"region"`
	RabbitMQURL string `json:"rabbitmqUrl"`
	Queue       string `json:"queue"`
	BrokerUser  string `json:"brokerUser"`
}

// Register enrolls the identity (idempotently when it already has a
// worker id) and records the assigned id
func (c *EnrollClient) Register(ctx context.Context, id *Identity) error {
	hostname, _ := os.Hostname()
	req := enrollRequest{
		WorkerID:   id.WorkerID,
		OwnerEmail: c.email,
		Hostname:   hostname,
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
		Region:     c.region,
		PublicKey:  id.PublicKeyPEM,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode enrollment: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/workers/register", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("enrollment request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("X-Registration-Token", c.token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("enrollment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("enrollment rejected: status %d", resp.StatusCode)
	}

	var out enrollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode enrollment response: %w", err)
	}
	id.WorkerID = out.WorkerID
	return nil
}

// PollStatus fetches the registration state once. When approved it
// fills the identity's broker fields.
func (c *EnrollClient) PollStatus(ctx context.Context, id *Identity) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/v1/workers/"+id.WorkerID+"/status", nil)
	if err != nil {
		return "", fmt.Errorf("status request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("status poll: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status poll: status %d", resp.StatusCode)
	}

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode status response: %w", err)
	}
	switch {
	case out.Revoked:
		return "revoked", nil
	case out.Approved:
		id.Region = out.Region
		id.AMQPURL = out.RabbitMQURL
		id.Queue = out.Queue
		id.BrokerUser = out.BrokerUser
		return "approved", nil
	default:
		return "pending", nil
	}
}
