package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/nestwatch/nestwatch/pkg/storage"
	"github.com/nestwatch/nestwatch/pkg/types"
)

// ErrInvalidToken is returned for expired, malformed, or revoked tokens
var ErrInvalidToken = errors.New("invalid token")

// Claims is the access token payload
type Claims struct {
	UserID string     `json:"userId"`
	NestID string     `json:"nestId"`
	Role   types.Role `json:"role"`
	jwt.RegisteredClaims
}

// TokenPair is the session handed out on login and refresh
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"` // seconds
}

// Tokens issues and validates sessions: short-lived HMAC-signed access
// tokens and opaque persisted refresh tokens that rotate on every use
type Tokens struct {
	store      storage.Store
	clock      clockwork.Clock
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewTokens creates a token service
func NewTokens(store storage.Store, clock clockwork.Clock, secret, issuer string, accessTTL, refreshTTL time.Duration) *Tokens {
	return &Tokens{
		store:      store,
		clock:      clock,
		secret:     []byte(secret),
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// Issue creates a fresh token pair for a user
func (t *Tokens) Issue(ctx context.Context, user *types.User) (*TokenPair, error) {
	now := t.clock.Now()
	claims := Claims{
		UserID: user.ID,
		NestID: user.NestID,
		Role:   user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.accessTTL)),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refresh, err := opaqueToken()
	if err != nil {
		return nil, err
	}
	if err := t.store.PutRefreshToken(ctx, refresh, user.ID, t.refreshTTL); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(t.accessTTL.Seconds()),
	}, nil
}

// Parse validates an access token and returns its claims
func (t *Tokens) Parse(tokenStr string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithIssuer(t.issuer),
		jwt.WithTimeFunc(t.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &claims, nil
}

// Rotate exchanges a refresh token for a new pair, invalidating the
// old token
func (t *Tokens) Rotate(ctx context.Context, refreshToken string) (*TokenPair, error) {
	userID, err := t.store.GetRefreshToken(ctx, refreshToken)
	if err == storage.ErrNotFound {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}

	user, err := t.store.GetUser(ctx, userID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !user.Active {
		_ = t.store.DeleteRefreshToken(ctx, refreshToken)
		return nil, ErrInvalidToken
	}

	if err := t.store.DeleteRefreshToken(ctx, refreshToken); err != nil && err != storage.ErrNotFound {
		return nil, err
	}
	return t.Issue(ctx, user)
}

// Revoke invalidates a refresh token, ending the session
func (t *Tokens) Revoke(ctx context.Context, refreshToken string) error {
	err := t.store.DeleteRefreshToken(ctx, refreshToken)
	if err == storage.ErrNotFound {
		return nil
	}
	return err
}

// opaqueToken returns a 256-bit URL-safe random token
func opaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token generation: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
