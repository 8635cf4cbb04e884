package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Vault holds secret environment variables in memory, keyed by job ID.
// Values are AES-256-GCM encrypted under a per-process random key so they
// never sit in plaintext on the heap longer than a lookup. Nothing here is
// ever persisted or logged.
type Vault struct {
	mu      sync.RWMutex
	gcm     cipher.AEAD
	entries map[string][]byte // job id -> nonce||ciphertext
}

// New creates a vault with a fresh random key
func New() (*Vault, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate vault key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Vault{gcm: gcm, entries: make(map[string][]byte)}, nil
}

// Put stores a job's secret env vars, replacing any previous entry
func (v *Vault) Put(jobID string, secrets map[string]string) error {
	if len(secrets) == 0 {
		return nil
	}
	plain, err := json.Marshal(secrets)
	if err != nil {
		return err
	}
	nonce := make([]byte, v.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := v.gcm.Seal(nonce, nonce, plain, []byte(jobID))
	for i := range plain {
		plain[i] = 0
	}

	v.mu.Lock()
	v.entries[jobID] = sealed
	v.mu.Unlock()
	return nil
}

// Get returns a job's secret env vars, or an empty map if none were stored
func (v *Vault) Get(jobID string) (map[string]string, error) {
	v.mu.RLock()
	sealed, ok := v.entries[jobID]
	v.mu.RUnlock()
	if !ok {
		return map[string]string{}, nil
	}

	ns := v.gcm.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("corrupt vault entry for job %s", jobID)
	}
	plain, err := v.gcm.Open(nil, sealed[:ns], sealed[ns:], []byte(jobID))
	if err != nil {
		return nil, fmt.Errorf("failed to open vault entry for job %s: %w", jobID, err)
	}
	var secrets map[string]string
	if err := json.Unmarshal(plain, &secrets); err != nil {
		return nil, err
	}
	return secrets, nil
}

// Erase removes a job's entry. Idempotent; called at terminal transition.
func (v *Vault) Erase(jobID string) {
	v.mu.Lock()
	delete(v.entries, jobID)
	v.mu.Unlock()
}
