package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the HMAC signature on internally signed requests,
// such as Cloud Tasks deliveries to the execute-entry endpoint.
const SignatureHeader = "X-Vox-Signature"

// SignPayload creates the HMAC-SHA256 signature carried on provider webhooks
// and internally enqueued task requests.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against the payload in constant
// time. The header value may carry the conventional "sha256=" prefix.
func VerifySignature(payload []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")
	want := SignPayload(payload, secret)
	return hmac.Equal([]byte(want), []byte(signature))
}
