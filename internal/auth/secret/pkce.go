package secret

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// S256Challenge derives the RFC 7636 S256 code challenge for verifier.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// NormalizePKCEMethod maps an empty method to plain (RFC 7636 §4.3) and
// rejects anything else it does not know.
func NormalizePKCEMethod(method string) (string, bool) {
	method = strings.TrimSpace(method)
	switch {
	case method == "":
		return PKCEMethodPlain, true
	case method == PKCEMethodS256:
		return PKCEMethodS256, true
	case method == PKCEMethodPlain:
		return PKCEMethodPlain, true
	default:
		return "", false
	}
}

// VerifyPKCE reports whether verifier satisfies challenge. A missing
// challenge or verifier never verifies.
func VerifyPKCE(verifier, challenge, method string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	switch method {
	case PKCEMethodS256:
		return Equal(S256Challenge(verifier), challenge)
	case PKCEMethodPlain:
		return Equal(verifier, challenge)
	default:
		return false
	}
}
