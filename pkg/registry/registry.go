package registry

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/nestwatch/nestwatch/pkg/antifraud"
	"github.com/nestwatch/nestwatch/pkg/config"
	"github.com/nestwatch/nestwatch/pkg/log"
	"github.com/nestwatch/nestwatch/pkg/metrics"
	"github.com/nestwatch/nestwatch/pkg/storage"
	"github.com/nestwatch/nestwatch/pkg/types"
)

var (
	// ErrRateLimited is returned when an IP exceeds its hourly
	// registration allowance
	ErrRateLimited = errors.New("registration rate limit exceeded")

	// ErrInvalidRequest is returned for malformed enrollment requests
	ErrInvalidRequest = errors.New("invalid registration request")

	// ErrRevoked is returned for operations on a revoked worker
	ErrRevoked = errors.New("worker has been revoked")
)

const defaultRegion = "us-east-1"

// workerIDPattern bounds agent-supplied ids: they end up in queue
// names and broker usernames, so only a conservative charset is safe
var workerIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// QueueDeclarer provisions the per-worker command queue on approval
type QueueDeclarer interface {
	DeclareWorkerQueue(region, workerID string) (string, error)
}

// RegisterRequest is the enrollment payload sent by a new worker
type RegisterRequest struct {
	WorkerID   string `json:"workerId,omitempty"`
	OwnerEmail string `json:"ownerEmail" validate:"required,email"`
	Hostname   string `json:"hostname" validate:"required,max=255"`
	Platform   string `json:"platform" validate:"max=64"`
	Region     string `json:"region" validate:"max=64"`
	PublicKey  string `json:"publicKey,omitempty"`
}

// RegisterResponse acknowledges enrollment; credentials are only
// released through Status after approval
type RegisterResponse struct {
	WorkerID string `json:"workerId"`
	Approved bool   `json:"approved"`
	Message  string `json:"message,omitempty"`
}

// StatusResponse reports the registration state. Broker credentials
// appear exactly when the worker is approved and not revoked.
type StatusResponse struct {
	WorkerID    string `json:"workerId"`
	Approved    bool   `json:"approved"`
	Revoked     bool   `json:"revoked,omitempty"`
	Region      string `json:"region,omitempty"`
	RabbitMQURL string `json:"rabbitmqUrl,omitempty"`
	Queue       string `json:"queue,omitempty"`
	BrokerUser  string `json:"brokerUser,omitempty"`
}

// Registry implements the worker enrollment lifecycle: register,
// await approval, receive scoped broker credentials, and eventually be
// revoked
type Registry struct {
	store    storage.Store
	broker   BrokerAdmin
	vault    CredentialVault // optional
	queues   QueueDeclarer
	clock    clockwork.Clock
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	validate *validator.Validate

	cfg        config.RegistrationConfig
	publicHost string

	// onRegister, when set, is called after each new registration so
	// operators can be notified of workers awaiting approval
	onRegister func(*types.WorkerRecord)

	mu   sync.Mutex
	byIP map[string][]time.Time

	// approveMu serializes approvals: broker user creation, queue
	// declaration and the record write are not one transaction, and a
	// concurrent pair must not issue two credential sets for a worker
	approveMu sync.Mutex
}

// SetNotifier installs a callback invoked for every new registration
func (r *Registry) SetNotifier(fn func(*types.WorkerRecord)) {
	r.onRegister = fn
}

// New creates a registry. vault may be nil when no secret manager is
// configured; credentials then live only in the registration record.
func New(store storage.Store, broker BrokerAdmin, queues QueueDeclarer, vault CredentialVault, cfg *config.Config, m *metrics.Metrics, clock clockwork.Clock) *Registry {
	return &Registry{
		store:      store,
		broker:     broker,
		vault:      vault,
		queues:     queues,
		clock:      clock,
		metrics:    m,
		logger:     log.WithComponent("registry"),
		validate:   validator.New(),
		cfg:        cfg.Registration,
		publicHost: brokerPublicHost(cfg.RabbitMQ),
		byIP:       make(map[string][]time.Time),
	}
}

// Register enrolls a worker. Re-registration with a known worker id is
// idempotent: it returns the current state without consuming rate
// limit quota or resetting approval.
func (r *Registry) Register(ctx context.Context, req *RegisterRequest, remoteIP string) (*RegisterResponse, error) {
	if req.WorkerID != "" {
		rec, err := r.store.GetWorkerRegistration(ctx, req.WorkerID)
		if err == nil {
			r.metrics.RegistrationsTotal.WithLabelValues("duplicate").Inc()
			return &RegisterResponse{
				WorkerID: rec.WorkerID,
				Approved: rec.Approved && !rec.Revoked,
				Message:  recordStatus(rec),
			}, nil
		}
		if err != storage.ErrNotFound {
			return nil, err
		}
	}

	if !r.allowIP(remoteIP) {
		r.metrics.RegistrationsTotal.WithLabelValues("rate_limited").Inc()
		return nil, ErrRateLimited
	}

	if err := r.validate.Struct(req); err != nil {
		r.metrics.RegistrationsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.PublicKey != "" {
		if _, err := antifraud.ParsePublicKey(req.PublicKey); err != nil {
			r.metrics.RegistrationsTotal.WithLabelValues("rejected").Inc()
			return nil, fmt.Errorf("%w: public key: %v", ErrInvalidRequest, err)
		}
	}

	// Agents persist their id locally and present it on enrollment; the
	// registration must live under that id or the identity diverges
	workerID := req.WorkerID
	if workerID == "" {
		workerID = uuid.NewString()
	} else if !workerIDPattern.MatchString(workerID) {
		r.metrics.RegistrationsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: worker id", ErrInvalidRequest)
	}

	region := req.Region
	if region == "" {
		region = "auto"
	}
	rec := &types.WorkerRecord{
		WorkerID:     workerID,
		OwnerEmail:   req.OwnerEmail,
		Hostname:     antifraud.Sanitize(req.Hostname),
		Platform:     antifraud.Sanitize(req.Platform),
		IP:           remoteIP,
		PublicKey:    req.PublicKey,
		RegisteredAt: r.clock.Now(),
		Region:       region,
	}
	if err := r.store.PutWorkerRegistration(ctx, rec); err != nil {
		return nil, err
	}

	r.metrics.RegistrationsTotal.WithLabelValues("accepted").Inc()
	if r.onRegister != nil {
		r.onRegister(rec)
	}
	r.logger.Info().
		Str("request_id", log.RequestIDFrom(ctx)).
		Str("worker_id", rec.WorkerID).
		Str("owner", rec.OwnerEmail).
		Str("ip", remoteIP).
		Msg("worker registered, awaiting approval")
	return &RegisterResponse{WorkerID: rec.WorkerID, Message: "pending approval"}, nil
}

// Status reports the registration state for a polling worker. The
// broker password is included once, alongside approval; the worker is
// expected to persist it locally.
func (r *Registry) Status(ctx context.Context, workerID string) (*StatusResponse, error) {
	rec, err := r.store.GetWorkerRegistration(ctx, workerID)
	if err != nil {
		return nil, err
	}
	resp := &StatusResponse{
		WorkerID: rec.WorkerID,
		Approved: rec.Approved && !rec.Revoked,
		Revoked:  rec.Revoked,
	}
	if resp.Approved {
		resp.Region = rec.Region
		resp.Queue = workerQueueName(rec)
		resp.BrokerUser = rec.BrokerUser
		// Username and password are URL-safe by construction
		resp.RabbitMQURL = fmt.Sprintf("amqp://%s:%s@%s/", rec.BrokerUser, rec.BrokerPass, r.publicHost)
	}
	return resp, nil
}

// Approve grants a pending worker its broker identity: a dedicated
// user with a freshly generated password, permissions scoped to its
// own queue, and the queue itself. Approving an approved worker is a
// no-op.
func (r *Registry) Approve(ctx context.Context, workerID, approvedBy, region string) (*types.WorkerRecord, error) {
	r.approveMu.Lock()
	defer r.approveMu.Unlock()

	rec, err := r.store.GetWorkerRegistration(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if rec.Revoked {
		return nil, ErrRevoked
	}
	if rec.Approved {
		return rec, nil
	}

	if region != "" {
		rec.Region = region
	}
	if rec.Region == "" || rec.Region == "auto" {
		rec.Region = defaultRegion
	}

	password, err := generateBrokerPassword()
	if err != nil {
		return nil, err
	}
	username := "worker-" + rec.WorkerID

	if err := r.broker.EnsureUser(ctx, username, password); err != nil {
		return nil, err
	}
	queue, err := r.queues.DeclareWorkerQueue(rec.Region, rec.WorkerID)
	if err != nil {
		return nil, err
	}
	if err := r.broker.GrantWorkerPermissions(ctx, username, queue); err != nil {
		return nil, err
	}
	if r.vault != nil {
		if err := r.vault.PutWorkerCredentials(ctx, rec.WorkerID, username, password); err != nil {
			return nil, err
		}
	}

	now := r.clock.Now()
	rec.Approved = true
	rec.ApprovedAt = &now
	rec.ApprovedBy = approvedBy
	rec.BrokerUser = username
	rec.BrokerPass = password
	if err := r.store.PutWorkerRegistration(ctx, rec); err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("worker_id", rec.WorkerID).
		Str("region", rec.Region).
		Str("approved_by", approvedBy).
		Msg("worker approved")
	return rec, nil
}

// Revoke removes a worker's broker account and marks the registration
// revoked. Future heartbeats and status polls see the revocation.
func (r *Registry) Revoke(ctx context.Context, workerID, revokedBy string) error {
	rec, err := r.store.GetWorkerRegistration(ctx, workerID)
	if err != nil {
		return err
	}
	if rec.Revoked {
		return nil
	}

	if rec.BrokerUser != "" {
		if err := r.broker.DeleteUser(ctx, rec.BrokerUser); err != nil {
			return err
		}
	}
	if r.vault != nil {
		if err := r.vault.DeleteWorkerCredentials(ctx, rec.WorkerID); err != nil {
			r.logger.Error().Err(err).Str("worker_id", workerID).Msg("vault credential cleanup failed")
		}
	}

	rec.Revoked = true
	rec.BrokerPass = ""
	if err := r.store.PutWorkerRegistration(ctx, rec); err != nil {
		return err
	}
	if err := r.store.DeleteWorkerHeartbeat(ctx, rec.WorkerID); err != nil && err != storage.ErrNotFound {
		r.logger.Error().Err(err).Str("worker_id", workerID).Msg("fleet view cleanup failed")
	}

	r.logger.Info().Str("worker_id", workerID).Str("revoked_by", revokedBy).Msg("worker revoked")
	return nil
}

// ListPending returns unapproved registrations in arrival order
func (r *Registry) ListPending(ctx context.Context) ([]*types.WorkerRecord, error) {
	return r.store.ListPendingWorkers(ctx)
}

// allowIP applies the sliding per-IP hourly registration limit
func (r *Registry) allowIP(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	cutoff := now.Add(-time.Hour)
	kept := r.byIP[ip][:0]
	for _, t := range r.byIP[ip] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= r.cfg.MaxPerIPPerHour {
		r.byIP[ip] = kept
		return false
	}
	r.byIP[ip] = append(kept, now)
	return true
}

// generateBrokerPassword returns a 256-bit URL-safe random password
func generateBrokerPassword() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("broker password generation: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func recordStatus(rec *types.WorkerRecord) string {
	switch {
	case rec.Revoked:
		return "revoked"
	case rec.Approved:
		return "approved"
	default:
		return "pending"
	}
}

func workerQueueName(rec *types.WorkerRecord) string {
	return fmt.Sprintf("worker.%s.%s", rec.Region, rec.WorkerID)
}

// brokerPublicHost picks the host workers should dial: the configured
// public host, or the host part of the admin URL
func brokerPublicHost(cfg config.RabbitMQConfig) string {
	if cfg.PublicHost != "" {
		return cfg.PublicHost
	}
	if u, err := url.Parse(cfg.URL); err == nil && u.Host != "" {
		return u.Host
	}
	return "localhost:5672"
}
