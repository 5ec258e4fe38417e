package worker

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/nestwatch/nestwatch/pkg/antifraud"
	"github.com/nestwatch/nestwatch/pkg/bus"
	"github.com/nestwatch/nestwatch/pkg/config"
	"github.com/nestwatch/nestwatch/pkg/log"
	"github.com/nestwatch/nestwatch/pkg/types"
)

const (
	approvalPollInterval = 10 * time.Second
	maxCommandAge        = 60 * time.Second
)

// AgentConfig is what a worker ant needs to come up
type AgentConfig struct {
	DataDir             string
	RegistrationURL     string
	RegistrationToken   string
	OwnerEmail          string
	Region              string
	Version             string
	HeartbeatIntervalMs int
}

// Agent is the probe worker: it enrolls, waits for approval, consumes
// its command queue, executes probes, publishes results, and sends
// signed heartbeats
type Agent struct {
	cfg    AgentConfig
	state  *StateStore
	enroll *EnrollClient
	prober *Prober
	clock  clockwork.Clock
	logger zerolog.Logger

	identity *Identity
	key      ed25519.PrivateKey
	bus      *bus.Bus

	checksCompleted atomic.Int64
	totalPoints     atomic.Int64
	periodPoints    atomic.Int64
	startedAt       time.Time
}

// NewAgent creates a worker agent from configuration
func NewAgent(cfg AgentConfig, clock clockwork.Clock) (*Agent, error) {
	state, err := OpenStateStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return &Agent{
		cfg:    cfg,
		state:  state,
		enroll: NewEnrollClient(cfg.RegistrationURL, cfg.OwnerEmail, cfg.Region, cfg.RegistrationToken),
		prober: NewProber(),
		clock:  clock,
		logger: log.WithComponent("worker"),
	}, nil
}

// Run drives the agent until ctx is cancelled
func (a *Agent) Run(ctx context.Context) error {
	defer a.state.Close()

	if err := a.ensureIdentity(ctx); err != nil {
		return err
	}
	if err := a.awaitApproval(ctx); err != nil {
		return err
	}

	key, err := a.identity.SigningKey()
	if err != nil {
		return err
	}
	a.key = key

	b, err := bus.Connect(a.identity.AMQPURL)
	if err != nil {
		return fmt.Errorf("broker connect: %w", err)
	}
	a.bus = b
	defer a.bus.Close()

	a.startedAt = a.clock.Now()
	a.logger.Info().
		Str("worker_id", a.identity.WorkerID).
		Str("region", a.identity.Region).
		Str("queue", a.identity.Queue).
		Msg("worker online")

	go a.heartbeatLoop(ctx)
	return a.bus.Consume(ctx, bus.ConsumeSpec{
		Queue:    a.identity.Queue,
		Exchange: bus.ExchangeWorkerCommands,
		Keys:     []string{bus.KeyCheckServiceOnce, bus.RegionKey(a.identity.Region)},
	}, func(body []byte) error {
		return a.handleCommand(ctx, body)
	})
}

// ensureIdentity loads or creates the durable identity and registers
// it with the platform
func (a *Agent) ensureIdentity(ctx context.Context) error {
	id, err := a.state.LoadIdentity()
	if err != nil {
		return err
	}
	if id == nil {
		id, err = NewIdentity()
		if err != nil {
			return err
		}
		a.logger.Info().Msg("generated new worker identity")
	}

	if err := a.enroll.Register(ctx, id); err != nil {
		return err
	}
	if err := a.state.SaveIdentity(id); err != nil {
		return err
	}
	a.identity = id
	return nil
}

// awaitApproval polls the status endpoint until credentials arrive
func (a *Agent) awaitApproval(ctx context.Context) error {
	if a.identity.Approved() {
		return nil
	}
	a.logger.Info().Str("worker_id", a.identity.WorkerID).Msg("awaiting approval")

	ticker := a.clock.NewTicker(approvalPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			status, err := a.enroll.PollStatus(ctx, a.identity)
			if err != nil {
				a.logger.Warn().Err(err).Msg("status poll failed")
				continue
			}
			switch status {
			case "approved":
				if err := a.state.SaveIdentity(a.identity); err != nil {
					return err
				}
				return nil
			case "revoked":
				return fmt.Errorf("registration was revoked")
			}
		}
	}
}

// handleCommand executes one command from the worker queue
func (a *Agent) handleCommand(ctx context.Context, body []byte) error {
	var env bus.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode command envelope: %w", err)
	}
	if env.Command != bus.KeyCheckServiceOnce {
		a.logger.Debug().Str("command", env.Command).Msg("ignoring unhandled command")
		return nil
	}

	var cmd bus.CheckCommand
	if err := json.Unmarshal(env.Data, &cmd); err != nil {
		return fmt.Errorf("decode check command: %w", err)
	}

	// Stale commands (queued while the worker was away) are dropped:
	// the scheduler has long since counted the cycle as failed
	if age := a.clock.Now().UnixMilli() - env.Timestamp; age > staleAfter(cmd.IntervalSec).Milliseconds() {
		a.logger.Debug().
			Str("service_id", cmd.ServiceID).
			Int64("age_ms", age).
			Msg("stale command discarded")
		return nil
	}

	result := a.prober.Execute(ctx, &cmd)
	if result == nil {
		return nil
	}
	result.WorkerID = a.identity.WorkerID
	result.Region = a.identity.Region

	a.checksCompleted.Add(1)
	a.totalPoints.Add(1)
	a.periodPoints.Add(1)

	resultEnv, err := bus.NewEnvelope(bus.KeyCheckCompleted, result, result.Timestamp)
	if err != nil {
		return err
	}
	return a.bus.PublishJSON(ctx, bus.ExchangeMonitoringResults, bus.KeyCheckCompleted, true, resultEnv)
}

// staleAfter bounds command age at twice the check interval, capped at
// one minute
func staleAfter(intervalSec int) time.Duration {
	if intervalSec <= 0 {
		return maxCommandAge
	}
	limit := 2 * time.Duration(intervalSec) * time.Second
	if limit > maxCommandAge {
		return maxCommandAge
	}
	return limit
}

// heartbeatLoop publishes signed heartbeats at the configured interval
func (a *Agent) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(a.cfg.HeartbeatIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := a.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := a.sendHeartbeat(ctx); err != nil {
				a.logger.Error().Err(err).Msg("heartbeat publish failed")
			}
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context) error {
	now := a.clock.Now().UnixMilli()
	hb := &types.Heartbeat{
		WorkerID:            a.identity.WorkerID,
		Region:              a.identity.Region,
		Version:             a.cfg.Version,
		LastSeen:            now,
		ChecksCompleted:     a.checksCompleted.Load(),
		TotalPoints:         a.totalPoints.Load(),
		CurrentPeriodPoints: a.periodPoints.Load(),
		Timestamp:           now,
	}
	if err := a.sign(hb); err != nil {
		return err
	}
	return a.bus.PublishJSON(ctx, bus.ExchangeWorkerHeartbeat, "", false, hb)
}

// sign computes the heartbeat signature over the canonical payload
func (a *Agent) sign(hb *types.Heartbeat) error {
	payload, err := antifraud.SigningPayload(hb)
	if err != nil {
		return fmt.Errorf("heartbeat payload: %w", err)
	}
	hb.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(a.key, payload))
	return nil
}

// DefaultAgentConfig derives agent settings from the shared config
func DefaultAgentConfig(cfg *config.Config, registrationURL, ownerEmail, region, version string) AgentConfig {
	return AgentConfig{
		DataDir:             cfg.Worker.DataDir,
		RegistrationURL:     registrationURL,
		RegistrationToken:   cfg.Registration.Token,
		OwnerEmail:          ownerEmail,
		Region:              region,
		Version:             version,
		HeartbeatIntervalMs: cfg.Worker.HeartbeatIntervalMs,
	}
}
