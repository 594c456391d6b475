// Package auth covers the three ways a request proves itself: gateway
// identity headers, vox_ service keys and HMAC-signed internal payloads.
package auth

import (
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/voxflow/backend/internal/core"
	"github.com/voxflow/backend/internal/store"
)

// KeyPrefix opens every service key. Full format: vox_<key_id>.<secret>.
// The id half is a plain lookup handle; only the bcrypt hash of the secret
// half is ever stored.
const KeyPrefix = "vox_"

// ParseServiceKey splits a presented key into its lookup id and secret.
func ParseServiceKey(fullKey string) (keyID, secret string, err error) {
	if !strings.HasPrefix(fullKey, KeyPrefix) {
		return "", "", core.NewError(core.ErrUnauthorized, "invalid service key format")
	}
	parts := strings.SplitN(strings.TrimPrefix(fullKey, KeyPrefix), ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", core.NewError(core.ErrUnauthorized, "invalid service key format")
	}
	return parts[0], parts[1], nil
}

// HashSecret bcrypt-hashes the secret half of a service key for storage.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyServiceKey checks a presented secret against a stored credential.
// A nil row means the key id was never issued; callers pass it through so
// lookup misses and bad secrets are indistinguishable on the wire.
func VerifyServiceKey(row *store.ServiceKeyRow, secret string) error {
	if row == nil {
		return core.NewError(core.ErrUnauthorized, "invalid service key")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(row.SecretHash), []byte(secret)); err != nil {
		return core.NewError(core.ErrUnauthorized, "invalid service key")
	}
	if row.Status != "active" {
		return core.NewError(core.ErrUnauthorized, "service key revoked")
	}
	return nil
}
