package registry

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestwatch/nestwatch/pkg/config"
	"github.com/nestwatch/nestwatch/pkg/log"
	"github.com/nestwatch/nestwatch/pkg/metrics"
	"github.com/nestwatch/nestwatch/pkg/storage"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: "error", Output: io.Discard})
	m.Run()
}

// fakeBroker records management API calls in memory
type fakeBroker struct {
	mu      sync.Mutex
	users   map[string]string // username -> password
	perms   map[string]string // username -> queue
	deleted []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{users: map[string]string{}, perms: map[string]string{}}
}

func (f *fakeBroker) EnsureUser(_ context.Context, username, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[username] = password
	return nil
}

func (f *fakeBroker) GrantWorkerPermissions(_ context.Context, username, queue string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perms[username] = queue
	return nil
}

func (f *fakeBroker) DeleteUser(_ context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, username)
	f.deleted = append(f.deleted, username)
	return nil
}

type fakeQueues struct{ declared []string }

func (f *fakeQueues) DeclareWorkerQueue(region, workerID string) (string, error) {
	name := fmt.Sprintf("worker.%s.%s", region, workerID)
	f.declared = append(f.declared, name)
	return name, nil
}

func newTestRegistry(t *testing.T) (*Registry, *fakeBroker, *fakeQueues, *clockwork.FakeClock, storage.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := storage.NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { store.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	broker := newFakeBroker()
	queues := &fakeQueues{}
	reg := New(store, broker, queues, nil, config.Default(), metrics.New(), clock)
	return reg, broker, queues, clock, store
}

func enrollRequest() *RegisterRequest {
	return &RegisterRequest{
		OwnerEmail: "owner@example.com",
		Hostname:   "probe-host-1",
		Platform:   "linux/amd64",
		Region:     "us-east-1",
	}
}

// Full lifecycle: register, pending status, approve, credentials in
// status, revoke
func TestApprovalFlow(t *testing.T) {
	reg, broker, queues, _, _ := newTestRegistry(t)
	ctx := context.Background()

	resp, err := reg.Register(ctx, enrollRequest(), "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, resp.Approved)
	require.NotEmpty(t, resp.WorkerID)

	st, err := reg.Status(ctx, resp.WorkerID)
	require.NoError(t, err)
	assert.False(t, st.Approved)
	assert.Empty(t, st.RabbitMQURL, "credentials must not leak before approval")

	pending, err := reg.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	rec, err := reg.Approve(ctx, resp.WorkerID, "admin@nestwatch.io", "")
	require.NoError(t, err)
	assert.True(t, rec.Approved)
	assert.Equal(t, "us-east-1", rec.Region)
	assert.GreaterOrEqual(t, len(rec.BrokerPass), 40, "broker password must carry at least 256 bits")

	// Broker account provisioned and scoped to the worker queue
	queue := "worker.us-east-1." + resp.WorkerID
	assert.Equal(t, rec.BrokerPass, broker.users[rec.BrokerUser])
	assert.Equal(t, queue, broker.perms[rec.BrokerUser])
	assert.Equal(t, []string{queue}, queues.declared)

	// Approval drains the pending queue
	pending, err = reg.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	st, err = reg.Status(ctx, resp.WorkerID)
	require.NoError(t, err)
	assert.True(t, st.Approved)
	assert.Contains(t, st.RabbitMQURL, rec.BrokerUser)
	assert.Equal(t, queue, st.Queue)

	require.NoError(t, reg.Revoke(ctx, resp.WorkerID, "admin@nestwatch.io"))
	assert.Equal(t, []string{rec.BrokerUser}, broker.deleted)

	st, err = reg.Status(ctx, resp.WorkerID)
	require.NoError(t, err)
	assert.False(t, st.Approved)
	assert.True(t, st.Revoked)
	assert.Empty(t, st.RabbitMQURL)
}

func TestReRegistrationIsIdempotent(t *testing.T) {
	reg, _, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.Register(ctx, enrollRequest(), "203.0.113.7")
	require.NoError(t, err)

	_, err = reg.Approve(ctx, first.WorkerID, "admin", "")
	require.NoError(t, err)

	// Same worker re-registers after a restart: no new record, no
	// approval reset
	req := enrollRequest()
	req.WorkerID = first.WorkerID
	again, err := reg.Register(ctx, req, "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, first.WorkerID, again.WorkerID)
	assert.True(t, again.Approved)
}

func TestRegistrationRateLimit(t *testing.T) {
	reg, _, _, clock, _ := newTestRegistry(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := reg.Register(ctx, enrollRequest(), "198.51.100.2")
		require.NoError(t, err, "attempt %d", i)
	}

	_, err := reg.Register(ctx, enrollRequest(), "198.51.100.2")
	assert.ErrorIs(t, err, ErrRateLimited)

	// A different IP is unaffected
	_, err = reg.Register(ctx, enrollRequest(), "198.51.100.3")
	assert.NoError(t, err)

	// The window slides: an hour later the first IP is allowed again
	clock.Advance(time.Hour + time.Second)
	_, err = reg.Register(ctx, enrollRequest(), "198.51.100.2")
	assert.NoError(t, err)
}

func TestRegisterValidation(t *testing.T) {
	reg, _, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	req := enrollRequest()
	req.OwnerEmail = "not-an-email"
	_, err := reg.Register(ctx, req, "203.0.113.7")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req = enrollRequest()
	req.Hostname = ""
	_, err = reg.Register(ctx, req, "203.0.113.7")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req = enrollRequest()
	req.PublicKey = "garbage"
	_, err = reg.Register(ctx, req, "203.0.113.7")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestApproveRevokedWorkerFails(t *testing.T) {
	reg, _, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	resp, err := reg.Register(ctx, enrollRequest(), "203.0.113.7")
	require.NoError(t, err)
	require.NoError(t, reg.Revoke(ctx, resp.WorkerID, "admin"))

	_, err = reg.Approve(ctx, resp.WorkerID, "admin", "")
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestApproveIsIdempotent(t *testing.T) {
	reg, broker, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	resp, err := reg.Register(ctx, enrollRequest(), "203.0.113.7")
	require.NoError(t, err)

	first, err := reg.Approve(ctx, resp.WorkerID, "admin", "")
	require.NoError(t, err)
	second, err := reg.Approve(ctx, resp.WorkerID, "admin", "")
	require.NoError(t, err)

	assert.Equal(t, first.BrokerPass, second.BrokerPass, "re-approval must not rotate credentials")
	assert.Len(t, broker.users, 1)
}

func TestGeneratedPasswordsAreUnique(t *testing.T) {
	a, err := generateBrokerPassword()
	require.NoError(t, err)
	b, err := generateBrokerPassword()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.GreaterOrEqual(t, len(a), 40)
}

func TestHostileMetadataIsSanitized(t *testing.T) {
	reg, _, _, _, store := newTestRegistry(t)
	ctx := context.Background()

	req := enrollRequest()
	req.Hostname = "host<script>"
	resp, err := reg.Register(ctx, req, "203.0.113.7")
	require.NoError(t, err)

	rec, err := store.GetWorkerRegistration(ctx, resp.WorkerID)
	require.NoError(t, err)
	assert.Equal(t, "hostscript", rec.Hostname)
}

// An agent mints its id before enrolling and persists it locally; the
// registration must live under that id or the stored identity diverges
func TestClientSuppliedWorkerIDHonored(t *testing.T) {
	reg, _, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	req := enrollRequest()
	req.WorkerID = "agent-7f3b"
	resp, err := reg.Register(ctx, req, "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, "agent-7f3b", resp.WorkerID)

	st, err := reg.Status(ctx, "agent-7f3b")
	require.NoError(t, err)
	assert.False(t, st.Approved)

	// Ids land in queue names and broker usernames, so anything
	// outside the conservative charset is rejected
	bad := enrollRequest()
	bad.WorkerID = "not a/safe id"
	_, err = reg.Register(ctx, bad, "203.0.113.8")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
