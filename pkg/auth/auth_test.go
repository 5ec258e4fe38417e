package auth

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestwatch/nestwatch/pkg/config"
	"github.com/nestwatch/nestwatch/pkg/log"
	"github.com/nestwatch/nestwatch/pkg/storage"
	"github.com/nestwatch/nestwatch/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: "error", Output: io.Discard})
	m.Run()
}

func newTestService(t *testing.T) (*Service, storage.Store, *clockwork.FakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := storage.NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { store.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.Default()
	cfg.Auth.JWT.Secret = "test-signing-secret"
	cfg.Auth.Password.BcryptCost = 10 // keep the test suite fast

	passwords := NewInlinePasswords(store, cfg.Auth.Password.BcryptCost)
	tokens := NewTokens(store, clock, cfg.Auth.JWT.Secret, cfg.Auth.JWT.Issuer,
		time.Duration(cfg.Auth.JWT.AccessTTLSec)*time.Second,
		time.Duration(cfg.Auth.JWT.RefreshTTLSec)*time.Second)
	return NewService(store, passwords, tokens, cfg, clock), store, clock
}

func seedUser(t *testing.T, s *Service, store storage.Store, password string) *types.User {
	t.Helper()
	user := &types.User{
		ID:     "user-1",
		NestID: "nest-1",
		Email:  "owner@example.com",
		Name:   "Owner",
		Role:   types.RoleOwner,
		Active: true,
	}
	require.NoError(t, store.CreateUser(context.Background(), user))
	require.NoError(t, s.passwords.Set(context.Background(), user, password))
	return user
}

func TestLoginSuccess(t *testing.T) {
	s, store, _ := newTestService(t)
	seedUser(t, s, store, "correct horse battery")

	pair, err := s.Login(context.Background(), &LoginRequest{
		Email: "Owner@Example.com", Password: "correct horse battery", IP: "203.0.113.7",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)

	claims, err := s.ParseAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "nest-1", claims.NestID)
	assert.Equal(t, types.RoleOwner, claims.Role)
}

// Unknown email and wrong password are indistinguishable
func TestLoginUniformError(t *testing.T) {
	s, store, _ := newTestService(t)
	seedUser(t, s, store, "correct horse battery")
	ctx := context.Background()

	_, unknownErr := s.Login(ctx, &LoginRequest{Email: "ghost@example.com", Password: "whatever"})
	_, wrongErr := s.Login(ctx, &LoginRequest{Email: "owner@example.com", Password: "wrong"})

	assert.ErrorIs(t, unknownErr, ErrInvalidCredentials)
	assert.ErrorIs(t, wrongErr, ErrInvalidCredentials)
	assert.Equal(t, unknownErr.Error(), wrongErr.Error())
}

// The boundary: maxAttempts-1 failures still allow a correct login,
// maxAttempts failures lock the account even with the right password
func TestLockoutBoundary(t *testing.T) {
	s, store, clock := newTestService(t)
	seedUser(t, s, store, "correct horse battery")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := s.Login(ctx, &LoginRequest{Email: "owner@example.com", Password: "wrong"})
		assert.ErrorIs(t, err, ErrInvalidCredentials, "attempt %d", i)
	}

	// Four failures: a correct login still works
	_, err := s.Login(ctx, &LoginRequest{Email: "owner@example.com", Password: "correct horse battery"})
	require.NoError(t, err)

	// Five fresh failures lock the account
	for i := 0; i < 5; i++ {
		_, _ = s.Login(ctx, &LoginRequest{Email: "owner@example.com", Password: "wrong"})
	}
	_, err = s.Login(ctx, &LoginRequest{Email: "owner@example.com", Password: "correct horse battery"})
	var lockout *LockoutError
	require.ErrorAs(t, err, &lockout)
	assert.Equal(t, clock.Now().Add(30*time.Minute), lockout.ExpiresAt)

	// The window slides: after it passes, login works again
	clock.Advance(16 * time.Minute)
	_, err = s.Login(ctx, &LoginRequest{Email: "owner@example.com", Password: "correct horse battery"})
	assert.NoError(t, err)
}

func TestInactiveUserRejected(t *testing.T) {
	s, store, _ := newTestService(t)
	user := seedUser(t, s, store, "correct horse battery")
	user.Active = false
	require.NoError(t, store.UpdateUser(context.Background(), user))

	_, err := s.Login(context.Background(), &LoginRequest{
		Email: "owner@example.com", Password: "correct horse battery",
	})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRefreshRotation(t *testing.T) {
	s, store, _ := newTestService(t)
	seedUser(t, s, store, "correct horse battery")
	ctx := context.Background()

	pair, err := s.Login(ctx, &LoginRequest{Email: "owner@example.com", Password: "correct horse battery"})
	require.NoError(t, err)

	rotated, err := s.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	// The old token is dead after rotation
	_, err = s.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Logout kills the new one
	require.NoError(t, s.Logout(ctx, rotated.RefreshToken))
	_, err = s.Refresh(ctx, rotated.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAccessTokenExpiry(t *testing.T) {
	s, store, clock := newTestService(t)
	seedUser(t, s, store, "correct horse battery")
	ctx := context.Background()

	pair, err := s.Login(ctx, &LoginRequest{Email: "owner@example.com", Password: "correct horse battery"})
	require.NoError(t, err)

	_, err = s.ParseAccess(pair.AccessToken)
	require.NoError(t, err)

	clock.Advance(16 * time.Minute)
	_, err = s.ParseAccess(pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTamperedTokenRejected(t *testing.T) {
	s, store, _ := newTestService(t)
	seedUser(t, s, store, "correct horse battery")

	pair, err := s.Login(context.Background(), &LoginRequest{
		Email: "owner@example.com", Password: "correct horse battery",
	})
	require.NoError(t, err)

	_, err = s.ParseAccess(pair.AccessToken + "x")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTwoFactorFlow(t *testing.T) {
	s, store, clock := newTestService(t)
	user := seedUser(t, s, store, "correct horse battery")
	ctx := context.Background()

	secret, otpURL, err := s.EnrollTwoFactor(ctx, user.ID)
	require.NoError(t, err)
	assert.Contains(t, otpURL, "otpauth://")

	code, err := totp.GenerateCode(secret, clock.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, s.ConfirmTwoFactor(ctx, user.ID, secret, code))

	// Password alone no longer suffices
	_, err = s.Login(ctx, &LoginRequest{Email: "owner@example.com", Password: "correct horse battery"})
	assert.ErrorIs(t, err, ErrTwoFactorRequired)

	// Password plus a valid code does
	code, err = totp.GenerateCode(secret, clock.Now().UTC())
	require.NoError(t, err)
	_, err = s.Login(ctx, &LoginRequest{
		Email: "owner@example.com", Password: "correct horse battery", TwoFactorCode: code,
	})
	assert.NoError(t, err)

	// A wrong code is a credential failure
	_, err = s.Login(ctx, &LoginRequest{
		Email: "owner@example.com", Password: "correct horse battery", TwoFactorCode: "000000",
	})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestChangePassword(t *testing.T) {
	s, store, _ := newTestService(t)
	user := seedUser(t, s, store, "correct horse battery")
	ctx := context.Background()

	assert.ErrorIs(t, s.ChangePassword(ctx, user.ID, "correct horse battery", "short"), ErrPasswordTooShort)
	assert.ErrorIs(t, s.ChangePassword(ctx, user.ID, "wrong", "a new long password"), ErrInvalidCredentials)
	assert.ErrorIs(t, s.ChangePassword(ctx, user.ID, "correct horse battery", "correct horse battery"), ErrPasswordReused)

	require.NoError(t, s.ChangePassword(ctx, user.ID, "correct horse battery", "a new long password"))

	_, err := s.Login(ctx, &LoginRequest{Email: "owner@example.com", Password: "a new long password"})
	assert.NoError(t, err)
}
