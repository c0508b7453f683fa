// ABOUTME: HMAC bearer tokens scoped to a chat owner identity
// ABOUTME: Minting, parsing, and constant-time verification

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedToken indicates a token that does not parse as
// base64url(ts) "." base64url(signature).
var ErrMalformedToken = errors.New("malformed token")

// Mint creates a token for ownerID: the issue timestamp and an HMAC-SHA256
// signature over owner_id||timestamp, both base64url encoded without padding.
func Mint(secret, ownerID string, now time.Time) string {
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := sign(secret, ownerID, ts)

	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(ts)) + "." + enc.EncodeToString(sig)
}

// Verify reports whether token was minted with secret for ownerID. The
// signature comparison is constant time.
func Verify(secret, ownerID, token string) bool {
	ts, sig, err := split(token)
	if err != nil {
		return false
	}
	return hmac.Equal(sig, sign(secret, ownerID, ts))
}

// IssuedAt returns the timestamp embedded in the token. It does not verify
// the signature.
func IssuedAt(token string) (time.Time, error) {
	ts, _, err := split(token)
	if err != nil {
		return time.Time{}, err
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, ErrMalformedToken
	}
	return time.Unix(unix, 0), nil
}

// Equal compares two token strings in constant time.
func Equal(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

func sign(secret, ownerID, ts string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ownerID + ts))
	return mac.Sum(nil)
}

func split(token string) (ts string, sig []byte, err error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return "", nil, ErrMalformedToken
	}

	enc := base64.RawURLEncoding
	tsBytes, err := enc.DecodeString(parts[0])
	if err != nil {
		return "", nil, ErrMalformedToken
	}
	sig, err = enc.DecodeString(parts[1])
	if err != nil {
		return "", nil, ErrMalformedToken
	}
	return string(tsBytes), sig, nil
}
