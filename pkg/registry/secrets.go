package registry

import (
	"context"
	"fmt"

	vault "github.com/hashicorp/vault/api"
)

// CredentialVault stores broker credentials for approved workers so
// they never travel outside the approval response and the agent's
// local cache
type CredentialVault interface {
	PutWorkerCredentials(ctx context.Context, workerID, brokerUser, brokerPass string) error
	DeleteWorkerCredentials(ctx context.Context, workerID string) error
}

// VaultCredentials keeps worker broker credentials in a KV v2 mount
type VaultCredentials struct {
	client *vault.Client
	mount  string
}

// NewVaultCredentials connects to Vault at addr with the given token
func NewVaultCredentials(addr, token string) (*VaultCredentials, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = addr
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	client.SetToken(token)
	return &VaultCredentials{client: client, mount: "secrets"}, nil
}

func (v *VaultCredentials) PutWorkerCredentials(ctx context.Context, workerID, brokerUser, brokerPass string) error {
	_, err := v.client.KVv2(v.mount).Put(ctx, "workers/credentials/"+workerID, map[string]interface{}{
		"brokerUser": brokerUser,
		"brokerPass": brokerPass,
	})
	if err != nil {
		return fmt.Errorf("vault put worker credentials: %w", err)
	}
	return nil
}

func (v *VaultCredentials) DeleteWorkerCredentials(ctx context.Context, workerID string) error {
	if err := v.client.KVv2(v.mount).DeleteMetadata(ctx, "workers/credentials/"+workerID); err != nil {
		return fmt.Errorf("vault delete worker credentials: %w", err)
	}
	return nil
}
