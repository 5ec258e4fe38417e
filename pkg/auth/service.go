package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/nestwatch/nestwatch/pkg/config"
	"github.com/nestwatch/nestwatch/pkg/log"
	"github.com/nestwatch/nestwatch/pkg/storage"
	"github.com/nestwatch/nestwatch/pkg/types"
)

var (
	// ErrInvalidCredentials is returned for unknown users and wrong
	// passwords alike; the caller cannot tell which
	ErrInvalidCredentials = errors.New("Invalid credentials")

	// ErrTwoFactorRequired signals that the password was correct but a
	// TOTP code is needed to finish
	ErrTwoFactorRequired = errors.New("two-factor code required")
)

// LockoutError carries the time the lockout lifts
type LockoutError struct {
	ExpiresAt time.Time
}

func (e *LockoutError) Error() string {
	return "account temporarily locked"
}

// dummyHash is compared against for unknown users so the response time
// does not reveal whether the email exists
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("nestwatch-timing-pad"), bcrypt.MinCost)

// LoginRequest is a credential presentation
type LoginRequest struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	TwoFactorCode string `json:"twoFactorCode,omitempty"`
	IP            string `json:"-"`
	UserAgent     string `json:"-"`
}

// Service implements login, session, and two-factor flows
type Service struct {
	store     storage.Store
	passwords PasswordStore
	tokens    *Tokens
	clock     clockwork.Clock
	logger    zerolog.Logger

	issuer          string
	maxAttempts     int
	attemptWindow   time.Duration
	lockoutDuration time.Duration
	minPasswordLen  int
}

// NewService wires the auth service from configuration
func NewService(store storage.Store, passwords PasswordStore, tokens *Tokens, cfg *config.Config, clock clockwork.Clock) *Service {
	return &Service{
		store:           store,
		passwords:       passwords,
		tokens:          tokens,
		clock:           clock,
		logger:          log.WithComponent("auth"),
		issuer:          cfg.Auth.JWT.Issuer,
		maxAttempts:     cfg.Auth.RateLimiting.LoginAttempts.MaxAttempts,
		attemptWindow:   time.Duration(cfg.Auth.RateLimiting.LoginAttempts.WindowMs) * time.Millisecond,
		lockoutDuration: time.Duration(cfg.Auth.Security.LockoutDurationMs) * time.Millisecond,
		minPasswordLen:  cfg.Auth.Password.MinLength,
	}
}

// Login authenticates a user. Unknown email and wrong password produce
// the same error; too many recent failures lock the account for the
// configured duration.
func (s *Service) Login(ctx context.Context, req *LoginRequest) (*TokenPair, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	now := s.clock.Now()

	failures, err := s.store.CountFailedAttempts(ctx, email, now.Add(-s.attemptWindow).UnixMilli())
	if err != nil {
		return nil, err
	}
	if failures >= s.maxAttempts {
		s.record(ctx, email, "", req, false, "locked out")
		return nil, &LockoutError{ExpiresAt: now.Add(s.lockoutDuration)}
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err == storage.ErrNotFound {
		// Burn a hash comparison anyway so timing stays uniform
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(req.Password))
		s.record(ctx, email, "", req, false, "unknown user")
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !user.Active {
		s.record(ctx, email, user.ID, req, false, "inactive user")
		return nil, ErrInvalidCredentials
	}

	ok, err := s.passwords.Verify(ctx, user, req.Password)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.record(ctx, email, user.ID, req, false, "wrong password")
		return nil, ErrInvalidCredentials
	}

	if user.TwoFactorSecret != "" {
		if req.TwoFactorCode == "" {
			// Not recorded as a failure: the password was right
			return nil, ErrTwoFactorRequired
		}
		if !s.validTOTP(user.TwoFactorSecret, req.TwoFactorCode) {
			s.record(ctx, email, user.ID, req, false, "bad totp code")
			return nil, ErrInvalidCredentials
		}
	}

	s.record(ctx, email, user.ID, req, true, "")
	s.logger.Info().Str("user_id", user.ID).Str("nest_id", user.NestID).Msg("login succeeded")
	return s.tokens.Issue(ctx, user)
}

// Refresh rotates a refresh token into a new session
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	return s.tokens.Rotate(ctx, refreshToken)
}

// Logout revokes the refresh token; the access token simply expires
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	return s.tokens.Revoke(ctx, refreshToken)
}

// ParseAccess validates an access token
func (s *Service) ParseAccess(tokenStr string) (*Claims, error) {
	return s.tokens.Parse(tokenStr)
}

// ChangePassword verifies the current password before rotating to the
// new one
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	if len(next) < s.minPasswordLen {
		return ErrPasswordTooShort
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	ok, err := s.passwords.Verify(ctx, user, current)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCredentials
	}
	if err := s.passwords.Set(ctx, user, next); err != nil {
		return err
	}
	s.logger.Info().Str("user_id", userID).Msg("password changed")
	return nil
}

// EnrollTwoFactor generates a TOTP secret for a user. The secret only
// takes effect after ConfirmTwoFactor proves the user has it.
func (s *Service) EnrollTwoFactor(ctx context.Context, userID string) (secret, otpauthURL string, err error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return "", "", err
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: user.Email,
	})
	if err != nil {
		return "", "", fmt.Errorf("totp generate: %w", err)
	}
	return key.Secret(), key.URL(), nil
}

// ConfirmTwoFactor activates a pending TOTP secret once the user
// produces a valid code from it
func (s *Service) ConfirmTwoFactor(ctx context.Context, userID, secret, code string) error {
	if !s.validTOTP(secret, code) {
		return ErrInvalidCredentials
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	user.TwoFactorSecret = secret
	user.UpdatedAt = s.clock.Now()
	return s.store.UpdateUser(ctx, user)
}

// DisableTwoFactor removes TOTP after a valid code
func (s *Service) DisableTwoFactor(ctx context.Context, userID, code string) error {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.TwoFactorSecret == "" {
		return nil
	}
	if !s.validTOTP(user.TwoFactorSecret, code) {
		return ErrInvalidCredentials
	}
	user.TwoFactorSecret = ""
	user.UpdatedAt = s.clock.Now()
	return s.store.UpdateUser(ctx, user)
}

func (s *Service) validTOTP(secret, code string) bool {
	ok, err := totp.ValidateCustom(code, secret, s.clock.Now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func (s *Service) record(ctx context.Context, email, userID string, req *LoginRequest, success bool, reason string) {
	attempt := &types.AuthAttempt{
		Email:     email,
		UserID:    userID,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		Timestamp: s.clock.Now().UnixMilli(),
		Success:   success,
		Reason:    reason,
	}
	if err := s.store.RecordAuthAttempt(ctx, attempt); err != nil {
		s.logger.Error().Err(err).Str("email", email).Msg("auth attempt record failed")
	}
}
