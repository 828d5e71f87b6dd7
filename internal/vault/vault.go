// Package vault implements the at-rest encrypted per-cluster bind-password
// cache described in spec.md §4.1. Plaintext is never persisted; records are
// AES-256-GCM sealed under a key generated on first use and stored with
// owner-only permissions inside the secrets directory.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/netresearch/ldapgw/internal/metrics"
	"github.com/netresearch/ldapgw/internal/retry"
)

const (
	keyFileName    = "vault.key"
	keySize        = 32 // AES-256
	filePerm       = 0o600
	dirPerm        = 0o700
	defaultTTL     = 3600 * time.Second
	recordVersion  = 1
)

// Clock abstracts time.Now so tests can control TTL expiry deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// record is the stable, self-describing on-disk shape of a sealed credential.
type record struct {
	Version   int    `json:"v"`
	Ciphertext string `json:"ct"`
	CreatedAt int64  `json:"created_at"`
	TTL       int64  `json:"ttl"`
}

// Vault stores one bind-password credential per cluster, encrypted at rest.
// Safe for concurrent use: the underlying files are written atomically
// (temp file + rename) and concurrent readers never observe a partial write.
type Vault struct {
	dir        string
	defaultTTL time.Duration
	clock      Clock
	aead       cipher.AEAD
}

// Option configures a Vault at construction time.
type Option func(*Vault)

// WithDefaultTTL overrides the 3600s default credential TTL.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(v *Vault) { v.defaultTTL = ttl }
}

// WithClock injects a Clock, used by tests to simulate TTL expiry.
func WithClock(c Clock) Option {
	return func(v *Vault) { v.clock = c }
}

// Open creates (if absent) the secrets directory and its AEAD key, then
// returns a Vault reading and writing records under dir. Key-file creation
// is create-exclusive; concurrent first-time creators resolve by retrying
// the read after a failed exclusive create, per spec.md §5.
func Open(dir string, opts ...Option) (*Vault, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("creating secrets directory: %w", err)
	}

	key, err := loadOrCreateKey(dir)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("constructing AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("constructing AEAD: %w", err)
	}

	v := &Vault{
		dir:        dir,
		defaultTTL: defaultTTL,
		clock:      systemClock{},
		aead:       aead,
	}

	for _, opt := range opts {
		opt(v)
	}

	return v, nil
}

func loadOrCreateKey(dir string) ([]byte, error) {
	path := filepath.Join(dir, keyFileName)

	if existing, err := os.ReadFile(path); err == nil {
		if len(existing) != keySize {
			return nil, fmt.Errorf("vault key file %s has unexpected length %d", path, len(existing))
		}

		return existing, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading vault key: %w", err)
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating vault key: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			// Another creator won the race; read what they wrote.
			return os.ReadFile(path)
		}

		return nil, fmt.Errorf("creating vault key: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(key); err != nil {
		return nil, fmt.Errorf("writing vault key: %w", err)
	}

	applyRestrictivePermissions(path)

	return key, nil
}

func applyRestrictivePermissions(path string) {
	if runtime.GOOS == "windows" {
		log.Warn().Str("path", path).Msg("non-POSIX host: falling back to default ACL, owner-only permissions not enforced")
		return
	}

	if err := os.Chmod(path, filePerm); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to restrict vault file permissions")
	}
}

func (v *Vault) recordPath(cluster string) string {
	return filepath.Join(v.dir, cluster+".cred")
}

// Store encrypts plaintext and atomically writes the credential record for
// cluster, overwriting any prior record. TTL defaults to the vault's
// configured default (3600s) when ttl <= 0.
func (v *Vault) Store(cluster, plaintext string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = v.defaultTTL
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)

	rec := record{
		Version:    recordVersion,
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
		CreatedAt:  v.clock.Now().Unix(),
		TTL:        int64(ttl.Seconds()),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling credential record: %w", err)
	}

	if err := v.writeAtomic(v.recordPath(cluster), data); err != nil {
		metrics.Vault.Operations.WithLabelValues(cluster, "store", "error").Inc()

		return err
	}

	metrics.Vault.Operations.WithLabelValues(cluster, "store", "ok").Inc()

	return nil
}

func (v *Vault) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tmpPath, filePerm); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to restrict credential file permissions")
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file into place: %w", err)
	}

	cleanup = false

	return nil
}

// ErrAbsent indicates no credential is cached for the cluster (never stored,
// expired, or discarded after a decryption failure).
var ErrAbsent = errors.New("no cached credential")

// Load decrypts and returns the cached plaintext credential for cluster. It
// returns ErrAbsent if no record exists, the record's TTL has elapsed, or
// decryption fails (treated as tampered/wrong-key, logged at WARN and
// discarded). I/O errors are retried once before propagating as failure.
func (v *Vault) Load(cluster string) (string, error) {
	path := v.recordPath(cluster)

	data, err := readWithOneRetry(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			metrics.Vault.Operations.WithLabelValues(cluster, "load", "absent").Inc()

			return "", ErrAbsent
		}

		metrics.Vault.Operations.WithLabelValues(cluster, "load", "io_error").Inc()

		return "", fmt.Errorf("reading credential record: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		log.Warn().Err(err).Str("cluster", cluster).Msg("corrupt credential record, discarding")
		_ = os.Remove(path)
		metrics.Vault.Operations.WithLabelValues(cluster, "load", "corrupt").Inc()

		return "", ErrAbsent
	}

	now := v.clock.Now()
	if now.Sub(time.Unix(rec.CreatedAt, 0)) >= time.Duration(rec.TTL)*time.Second {
		_ = os.Remove(path)
		metrics.Vault.Operations.WithLabelValues(cluster, "load", "expired").Inc()

		return "", ErrAbsent
	}

	sealed, err := base64.StdEncoding.DecodeString(rec.Ciphertext)
	if err != nil {
		log.Warn().Err(err).Str("cluster", cluster).Msg("corrupt ciphertext encoding, discarding")
		_ = os.Remove(path)
		metrics.Vault.Operations.WithLabelValues(cluster, "load", "corrupt").Inc()

		return "", ErrAbsent
	}

	nonceSize := v.aead.NonceSize()
	if len(sealed) < nonceSize {
		log.Warn().Str("cluster", cluster).Msg("ciphertext too short, discarding")
		_ = os.Remove(path)
		metrics.Vault.Operations.WithLabelValues(cluster, "load", "corrupt").Inc()

		return "", ErrAbsent
	}

	nonce, ct := sealed[:nonceSize], sealed[nonceSize:]

	plaintext, err := v.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		log.Warn().Err(err).Str("cluster", cluster).Msg("credential decryption failed (tampered file or rotated key), discarding")
		_ = os.Remove(path)
		metrics.Vault.Operations.WithLabelValues(cluster, "load", "decrypt_failed").Inc()

		return "", ErrAbsent
	}

	metrics.Vault.Operations.WithLabelValues(cluster, "load", "ok").Inc()

	return string(plaintext), nil
}

// storageRetryConfig retries exactly once, immediately, matching spec.md
// §7's "I/O errors propagate as storage failure and are retried once"; it
// reuses internal/retry rather than hand-rolling the attempt loop.
var storageRetryConfig = retry.Config{MaxAttempts: 2, InitialDelay: 0, MaxDelay: 0, Multiplier: 1}

func readWithOneRetry(path string) ([]byte, error) {
	var absent error

	data, err := retry.DoWithResultConfig(context.Background(), storageRetryConfig, func() ([]byte, error) {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			absent = err

			return nil, nil
		}

		return data, err
	})
	if absent != nil {
		return nil, absent
	}

	return data, err
}

// Clear deletes the cached credential for cluster, if any. Clearing an
// absent credential is not an error.
func (v *Vault) Clear(cluster string) error {
	if err := os.Remove(v.recordPath(cluster)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing credential record: %w", err)
	}

	return nil
}

// Present reports whether an unexpired credential is currently cached for
// cluster, without returning the plaintext.
func (v *Vault) Present(cluster string) bool {
	_, err := v.Load(cluster)

	return err == nil
}
