// ABOUTME: Tests for HMAC token minting and verification
// ABOUTME: Covers round-trips, tampering, and the two verifier models

package auth

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/approvd/approvd/internal/store"
)

func TestTokenRoundTrip(t *testing.T) {
	now := time.Unix(1706745600, 0)
	token := Mint("v", "ou_x", now)

	assert.True(t, Verify("v", "ou_x", token))

	issued, err := IssuedAt(token)
	require.NoError(t, err)
	assert.Equal(t, now.Unix(), issued.Unix())
}

func TestTokenTamperedSignature(t *testing.T) {
	token := Mint("v", "ou_x", time.Now())

	// Flip the last character of the signature.
	last := token[len(token)-1]
	replacement := byte('A')
	if last == 'A' {
		replacement = 'B'
	}
	tampered := token[:len(token)-1] + string(replacement)

	assert.False(t, Verify("v", "ou_x", tampered))
}

func TestTokenWrongOwnerOrSecret(t *testing.T) {
	token := Mint("v", "ou_x", time.Now())

	assert.False(t, Verify("v", "ou_y", token))
	assert.False(t, Verify("other", "ou_x", token))
}

func TestTokenMalformed(t *testing.T) {
	assert.False(t, Verify("v", "ou_x", "no-dot"))
	assert.False(t, Verify("v", "ou_x", "!!.!!"))
	assert.False(t, Verify("v", "ou_x", ""))

	_, err := IssuedAt("no-dot")
	assert.ErrorIs(t, err, ErrMalformedToken)
}

type staticToken string

func (s staticToken) Token() string { return string(s) }

func TestGlobalVerifier(t *testing.T) {
	v := NewGlobalVerifier(staticToken("stored-token"))

	assert.True(t, v.Verify("stored-token"))
	assert.False(t, v.Verify("other"))
	assert.False(t, v.Verify(""))
}

func TestGlobalVerifierEmptyStored(t *testing.T) {
	v := NewGlobalVerifier(staticToken(""))
	assert.False(t, v.Verify(""))
	assert.False(t, v.Verify("anything"))
}

func TestOwnerVerifier(t *testing.T) {
	bindings, err := store.NewBindingStore(t.TempDir(), slog.Default())
	require.NoError(t, err)

	token := Mint("secret", "ou_x", time.Now())
	require.NoError(t, bindings.Upsert("ou_x", store.Binding{
		CallbackURL: "http://backend:8080",
		AuthToken:   token,
	}))

	v := NewOwnerVerifier(bindings)
	assert.True(t, v.Verify("ou_x", token))
	assert.False(t, v.Verify("ou_x", "wrong"))
	assert.False(t, v.Verify("ou_unknown", token))
	assert.False(t, v.Verify("", token))
}
