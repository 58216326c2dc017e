package secrets

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := NewBox("correct horse battery staple")
	require.NoError(t, err)

	plain := []byte(`{"api_key":"abc123"}`)
	sealed, err := box.Seal(plain)
	require.NoError(t, err)
	require.NotEqual(t, plain, sealed)
	require.Greater(t, len(sealed), 24)

	out, err := box.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, plain, out)
}

func TestSealIsNonDeterministic(t *testing.T) {
	box, err := NewBox("key")
	require.NoError(t, err)

	a, err := box.Seal([]byte("secret"))
	require.NoError(t, err)
	b, err := box.Seal([]byte("secret"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestOpenWrongKey(t *testing.T) {
	box, err := NewBox("key one")
	require.NoError(t, err)
	sealed, err := box.Seal([]byte("secret"))
	require.NoError(t, err)

	other, err := NewBox("key two")
	require.NoError(t, err)
	_, err = other.Open(sealed)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestOpenTamperedCiphertext(t *testing.T) {
	box, err := NewBox("key")
	require.NoError(t, err)
	sealed, err := box.Seal([]byte("secret"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xff
	_, err = box.Open(sealed)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestOpenShortCiphertext(t *testing.T) {
	box, err := NewBox("key")
	require.NoError(t, err)
	_, err = box.Open([]byte("short"))
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestNewBoxRequiresSecret(t *testing.T) {
	_, err := NewBox("")
	require.Error(t, err)
}
