package antifraud

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nestwatch/nestwatch/pkg/types"
)

const (
	// FreshnessWindow is the maximum clock skew between a heartbeat
	// timestamp and now
	FreshnessWindow = 300 * time.Second

	// MaxPointsPerSecond caps the plausible earning rate
	MaxPointsPerSecond = 10

	// RegionChangeMinInterval is the minimum time between accepted
	// region changes before a heartbeat is flagged
	RegionChangeMinInterval = time.Hour
)

// Rejection reasons. Workers never see these; a rejected heartbeat is
// dropped silently so the reason does not become a fraud oracle.
var (
	ErrMissingSignature = errors.New("signature required but missing")
	ErrBadSignature     = errors.New("signature verification failed")
	ErrStaleTimestamp   = errors.New("timestamp outside freshness window")
	ErrPointsRegression = errors.New("Invalid points progression")
	ErrImplausibleRate  = errors.New("implausible points rate")
)

// Verifier enforces the heartbeat acceptance gates in order
type Verifier struct {
	clock clockwork.Clock

	// RequireSignatures rejects unsigned heartbeats even when no
	// public key is registered. Off by default for enrollment
	// bootstrap.
	RequireSignatures bool
}

// NewVerifier creates a verifier using the given clock
func NewVerifier(clock clockwork.Clock) *Verifier {
	return &Verifier{clock: clock}
}

// Verify runs the five gates against a heartbeat. prev is the last
// accepted state for the worker (nil for a first heartbeat), pubKeyPEM
// the worker's registered public key (empty when none). On acceptance
// it returns the sanitized next state to store; on rejection it
// returns the gate's error and the stored state must not change.
func (v *Verifier) Verify(hb *types.Heartbeat, prev *types.WorkerState, pubKeyPEM string) (*types.WorkerState, error) {
	// Gate 1: signature
	if pubKeyPEM != "" {
		if hb.Signature == "" {
			return nil, ErrMissingSignature
		}
		if err := verifySignature(hb, pubKeyPEM); err != nil {
			return nil, err
		}
	} else if v.RequireSignatures {
		return nil, ErrMissingSignature
	}

	// Gate 2: freshness
	now := v.clock.Now().UnixMilli()
	if skew := abs64(now - hb.Timestamp); skew > FreshnessWindow.Milliseconds() {
		return nil, fmt.Errorf("%w: skew %dms", ErrStaleTimestamp, skew)
	}

	flagged := false
	flagReason := ""
	if prev != nil {
		// Gate 3: monotonic progression
		if hb.TotalPoints < prev.TotalPoints || hb.ChecksCompleted < prev.ChecksCompleted {
			return nil, ErrPointsRegression
		}

		// Gate 4: plausible rate
		elapsedSec := float64(hb.Timestamp-prev.Timestamp) / 1000.0
		if elapsedSec > 0 {
			gained := float64(hb.TotalPoints - prev.TotalPoints)
			if gained > MaxPointsPerSecond*elapsedSec {
				return nil, fmt.Errorf("%w: %.0f points in %.0fs", ErrImplausibleRate, gained, elapsedSec)
			}
		}

		// Gate 5: geographic stability. A fast region change is
		// suspicious but not conclusive, so flag instead of reject.
		if hb.Region != prev.Region &&
			hb.Timestamp-prev.Timestamp < RegionChangeMinInterval.Milliseconds() {
			flagged = true
			flagReason = fmt.Sprintf("region changed %s -> %s within %s",
				prev.Region, hb.Region, RegionChangeMinInterval)
		}
	}

	return &types.WorkerState{
		WorkerID:            Sanitize(hb.WorkerID),
		Region:              Sanitize(hb.Region),
		Version:             Sanitize(hb.Version),
		LastSeen:            hb.LastSeen,
		ChecksCompleted:     hb.ChecksCompleted,
		TotalPoints:         hb.TotalPoints,
		CurrentPeriodPoints: hb.CurrentPeriodPoints,
		Location: types.Location{
			Continent: Sanitize(hb.Location.Continent),
			Country:   Sanitize(hb.Location.Country),
			City:      Sanitize(hb.Location.City),
			Region:    Sanitize(hb.Location.Region),
		},
		Timestamp:  hb.Timestamp,
		Flagged:    flagged,
		FlagReason: flagReason,
	}, nil
}

// verifySignature checks hb.Signature over the canonical payload with
// the registered public key. RSA (PKCS#1 v1.5 over SHA-256) and
// Ed25519 keys are supported.
func verifySignature(hb *types.Heartbeat, pubKeyPEM string) error {
	payload, err := SigningPayload(hb)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	sig, err := base64.StdEncoding.DecodeString(hb.Signature)
	if err != nil {
		return fmt.Errorf("%w: malformed encoding", ErrBadSignature)
	}
	pub, err := ParsePublicKey(pubKeyPEM)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	switch key := pub.(type) {
	case *rsa.PublicKey:
		digest := sha256.Sum256(payload)
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig); err != nil {
			return ErrBadSignature
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(key, payload, sig) {
			return ErrBadSignature
		}
	default:
		return fmt.Errorf("%w: unsupported key type %T", ErrBadSignature, pub)
	}
	return nil
}

// ParsePublicKey decodes a PEM-encoded PKIX public key
func ParsePublicKey(pemStr string) (interface{}, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return pub, nil
}

func abs64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
