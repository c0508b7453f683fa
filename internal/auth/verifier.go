// ABOUTME: Request verifiers for the two token trust models
// ABOUTME: Backend compares against its stored token; gateway against a binding

package auth

import (
	"github.com/approvd/approvd/internal/store"
)

// TokenSource yields the backend's single stored token.
type TokenSource interface {
	Token() string
}

// GlobalVerifier authenticates gateway calls against the one token the
// backend holds.
type GlobalVerifier struct {
	source TokenSource
}

// NewGlobalVerifier creates a verifier backed by the given token source.
func NewGlobalVerifier(source TokenSource) *GlobalVerifier {
	return &GlobalVerifier{source: source}
}

// Verify reports whether the presented token matches the stored one. An empty
// stored token rejects everything.
func (v *GlobalVerifier) Verify(token string) bool {
	stored := v.source.Token()
	if stored == "" || token == "" {
		return false
	}
	return Equal(stored, token)
}

// OwnerVerifier authenticates tool calls on the gateway by looking the owner
// up in the binding store.
type OwnerVerifier struct {
	bindings *store.BindingStore
}

// NewOwnerVerifier creates a verifier backed by the binding store.
func NewOwnerVerifier(bindings *store.BindingStore) *OwnerVerifier {
	return &OwnerVerifier{bindings: bindings}
}

// Verify reports whether token matches the binding recorded for ownerID.
func (v *OwnerVerifier) Verify(ownerID, token string) bool {
	if ownerID == "" || token == "" {
		return false
	}
	binding, err := v.bindings.Get(ownerID)
	if err != nil {
		return false
	}
	return Equal(binding.AuthToken, token)
}
