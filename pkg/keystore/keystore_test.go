package keystore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerate_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "signing.pem")

	ks1, err := LoadOrGenerate(path)
	require.NoError(t, err)

	// Second load must read the persisted seed, not mint a new pair.
	ks2, err := LoadOrGenerate(path)
	require.NoError(t, err)
	require.Equal(t, ks1.PublicKey(), ks2.PublicKey())

	sig := ks1.Sign([]byte("hello"))
	require.True(t, ks2.Verify([]byte("hello"), sig))
	require.False(t, ks2.Verify([]byte("tampered"), sig))
}

func TestLoadOrGenerate_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a pem"), 0o600))

	_, err := LoadOrGenerate(path)
	require.Error(t, err)
}

func TestVerifyWithKey(t *testing.T) {
	ks, err := LoadOrGenerate(filepath.Join(t.TempDir(), "signing.pem"))
	require.NoError(t, err)

	sig := ks.Sign([]byte("payload"))
	ok, err := VerifyWithKey(ks.PublicKey(), []byte("payload"), sig)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = VerifyWithKey(ks.PublicKey(), []byte("other"), sig)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = VerifyWithKey("zz", []byte("payload"), sig)
	require.Error(t, err)
}
