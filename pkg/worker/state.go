package worker

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var identityBucket = []byte("identity")

const identityKey = "self"

// Identity is the agent's durable state: who it is, its signing key,
// and the broker credentials it was granted on approval. It survives
// restarts so re-registration stays idempotent.
type Identity struct {
	WorkerID      string `json:"workerId"`
	PrivateKeyPEM string `json:"privateKeyPem"`
	PublicKeyPEM  string `json:"publicKeyPem"`
	Region        string `json:"region,omitempty"`
	AMQPURL       string `json:"amqpUrl,omitempty"`
	Queue         string `json:"queue,omitempty"`
	BrokerUser    string `json:"brokerUser,omitempty"`
}

// Approved reports whether broker credentials have been granted
func (id *Identity) Approved() bool {
	return id.AMQPURL != "" && id.Queue != ""
}

// SigningKey parses the stored private key
func (id *Identity) SigningKey() (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(id.PrivateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in stored private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	ed, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("stored key is %T, want ed25519", key)
	}
	return ed, nil
}

// StateStore persists the identity in a bbolt file under the agent's
// data directory
type StateStore struct {
	db *bolt.DB
}

// OpenStateStore opens (or creates) the agent state file
func OpenStateStore(dataDir string) (*StateStore, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "worker.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(identityBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init state store: %w", err)
	}
	return &StateStore{db: db}, nil
}

// LoadIdentity returns the stored identity, or nil when none exists
func (s *StateStore) LoadIdentity() (*Identity, error) {
	var id *Identity
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(identityBucket).Get([]byte(identityKey))
		if raw == nil {
			return nil
		}
		id = &Identity{}
		return json.Unmarshal(raw, id)
	})
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	return id, nil
}

// SaveIdentity persists the identity
func (s *StateStore) SaveIdentity(id *Identity) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(identityBucket).Put([]byte(identityKey), raw)
	})
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

// Close closes the state file
func (s *StateStore) Close() error {
	return s.db.Close()
}

// NewIdentity generates a fresh Ed25519 keypair for a first run
func NewIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("encode private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	return &Identity{
		PrivateKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})),
		PublicKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
	}, nil
}
