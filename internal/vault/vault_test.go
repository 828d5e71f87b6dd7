package vault

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move time forward deterministically for TTL checks.
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

func TestStoreLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{now: time.Unix(0, 0)}

	v, err := Open(dir, WithClock(clock), WithDefaultTTL(3600*time.Second))
	require.NoError(t, err)

	require.NoError(t, v.Store("c1", "s3cr3t", 0))

	got, err := v.Load("c1")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", got)
}

func TestLoadExpiresAfterTTL(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{now: time.Unix(0, 0)}

	v, err := Open(dir, WithClock(clock))
	require.NoError(t, err)

	require.NoError(t, v.Store("c1", "pw", 3600*time.Second))

	clock.advance(3599 * time.Second)
	got, err := v.Load("c1")
	require.NoError(t, err)
	assert.Equal(t, "pw", got)

	clock.advance(2 * time.Second) // now at 3601s
	_, err = v.Load("c1")
	require.ErrorIs(t, err, ErrAbsent)

	_, statErr := os.Stat(filepath.Join(dir, "c1.cred"))
	assert.True(t, os.IsNotExist(statErr), "expired record file should be removed")
}

func TestLoadAbsentCluster(t *testing.T) {
	dir := t.TempDir()
	v, err := Open(dir)
	require.NoError(t, err)

	_, err = v.Load("nope")
	require.ErrorIs(t, err, ErrAbsent)
	assert.False(t, v.Present("nope"))
}

func TestClearRemovesCredential(t *testing.T) {
	dir := t.TempDir()
	v, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, v.Store("c1", "pw", 0))
	assert.True(t, v.Present("c1"))

	require.NoError(t, v.Clear("c1"))
	assert.False(t, v.Present("c1"))

	// Clearing again is not an error.
	require.NoError(t, v.Clear("c1"))
}

func TestTamperedCiphertextTreatedAsAbsent(t *testing.T) {
	dir := t.TempDir()
	v, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, v.Store("c1", "pw", 0))

	path := filepath.Join(dir, "c1.cred")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	tampered := append([]byte(nil), data...)
	// Swap one base64 character well inside the JSON ciphertext field, so the
	// record still parses and decodes but no longer authenticates.
	i := bytes.Index(tampered, []byte(`"ct":"`)) + len(`"ct":"`) + 20
	if tampered[i] == 'A' {
		tampered[i] = 'B'
	} else {
		tampered[i] = 'A'
	}
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	_, err = v.Load("c1")
	require.ErrorIs(t, err, ErrAbsent)
}

func TestKeyFilePermissionsOwnerOnly(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX permission bits not meaningful on windows")
	}

	dir := t.TempDir()
	_, err := Open(dir)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, keyFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(filePerm), info.Mode().Perm())
}

func TestRotatingKeyVoidsOutstandingEntries(t *testing.T) {
	dir := t.TempDir()

	v1, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, v1.Store("c1", "pw", 0))

	// Simulate key rotation by removing the key file so Open generates fresh material.
	require.NoError(t, os.Remove(filepath.Join(dir, keyFileName)))
	v2, err := Open(dir)
	require.NoError(t, err)

	_, err = v2.Load("c1")
	require.ErrorIs(t, err, ErrAbsent)
}

func TestTwoVaultsShareOneGeneratedKey(t *testing.T) {
	dir := t.TempDir()

	v1, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, v1.Store("c1", "pw", 0))

	v2, err := Open(dir)
	require.NoError(t, err)

	got, err := v2.Load("c1")
	require.NoError(t, err)
	assert.Equal(t, "pw", got)
}
