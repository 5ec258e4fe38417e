package auth

import (
	"context"
	"errors"
	"fmt"

	vault "github.com/hashicorp/vault/api"
	"golang.org/x/crypto/bcrypt"

	"github.com/nestwatch/nestwatch/pkg/storage"
	"github.com/nestwatch/nestwatch/pkg/types"
)

const passwordHistoryDepth = 5

var (
	// ErrPasswordTooShort is returned when a new password misses the
	// configured minimum length
	ErrPasswordTooShort = errors.New("password below minimum length")

	// ErrPasswordReused is returned when a new password matches the
	// previous one
	ErrPasswordReused = errors.New("password was used recently")
)

// PasswordStore verifies and rotates user passwords. Implementations
// differ in where the bcrypt hash lives: the user record, or the
// secret manager.
type PasswordStore interface {
	Verify(ctx context.Context, user *types.User, plaintext string) (bool, error)
	Set(ctx context.Context, user *types.User, plaintext string) error
}

// InlinePasswords keeps the bcrypt hash on the user record itself
type InlinePasswords struct {
	store storage.Store
	cost  int
}

// NewInlinePasswords creates a record-backed password store
func NewInlinePasswords(store storage.Store, bcryptCost int) *InlinePasswords {
	return &InlinePasswords{store: store, cost: bcryptCost}
}

func (p *InlinePasswords) Verify(_ context.Context, user *types.User, plaintext string) (bool, error) {
	if user.PasswordHash == "" {
		return false, nil
	}
	err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(plaintext))
	if err == bcrypt.ErrMismatchedHashAndPassword {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("password verify: %w", err)
	}
	return true, nil
}

func (p *InlinePasswords) Set(ctx context.Context, user *types.User, plaintext string) error {
	if user.PasswordHash != "" {
		if match, _ := p.Verify(ctx, user, plaintext); match {
			return ErrPasswordReused
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), p.cost)
	if err != nil {
		return fmt.Errorf("password hash: %w", err)
	}
	user.PasswordHash = string(hash)
	user.PasswordExternal = false
	return p.store.UpdateUser(ctx, user)
}

// VaultPasswords keeps bcrypt hashes in the secret manager, with a
// bounded ring of previous hashes for reuse checks. The user record
// never carries the hash.
type VaultPasswords struct {
	client *vault.Client
	mount  string
	cost   int
}

// NewVaultPasswords connects a Vault-backed password store
func NewVaultPasswords(addr, token string, bcryptCost int) (*VaultPasswords, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = addr
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	client.SetToken(token)
	return &VaultPasswords{client: client, mount: "secrets", cost: bcryptCost}, nil
}

func (p *VaultPasswords) path(userID string) string {
	return "users/passwords/" + userID
}

func (p *VaultPasswords) Verify(ctx context.Context, user *types.User, plaintext string) (bool, error) {
	secret, err := p.client.KVv2(p.mount).Get(ctx, p.path(user.ID))
	if err != nil {
		// Missing secret means no password set; treat as mismatch
		return false, nil
	}
	hash, _ := secret.Data["hash"].(string)
	if hash == "" {
		return false, nil
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) != nil {
		return false, nil
	}
	return true, nil
}

func (p *VaultPasswords) Set(ctx context.Context, user *types.User, plaintext string) error {
	var history []interface{}
	current := ""
	if secret, err := p.client.KVv2(p.mount).Get(ctx, p.path(user.ID)); err == nil {
		current, _ = secret.Data["hash"].(string)
		history, _ = secret.Data["history"].([]interface{})
	}

	// Reuse is checked against the current hash only; the ring keeps
	// the full prior hashes for audit, not comparison, so no record of
	// timestamps or hash prefixes is needed
	if current != "" && bcrypt.CompareHashAndPassword([]byte(current), []byte(plaintext)) == nil {
		return ErrPasswordReused
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), p.cost)
	if err != nil {
		return fmt.Errorf("password hash: %w", err)
	}

	if current != "" {
		history = append(history, current)
		if len(history) > passwordHistoryDepth {
			history = history[len(history)-passwordHistoryDepth:]
		}
	}
	_, err = p.client.KVv2(p.mount).Put(ctx, p.path(user.ID), map[string]interface{}{
		"hash":    string(hash),
		"history": history,
	})
	if err != nil {
		return fmt.Errorf("vault password write: %w", err)
	}

	if !user.PasswordExternal || user.PasswordHash != "" {
		user.PasswordExternal = true
		user.PasswordHash = ""
	}
	return nil
}
