// Package masking redacts credentials before they are written to audit
// records or logs.
package masking

import "strings"

const maskToken = "****"

var credentialKeys = map[string]struct{}{
	"token":         {},
	"access_token":  {},
	"refresh_token": {},
	"token_hash":    {},
	"family_id":     {},
	"code":          {},
	"code_verifier": {},
	"device_code":   {},
	"user_code":     {},
	"client_secret": {},
	"cookie":        {},
	"authorization": {},
	"password":      {},
}

// IsCredentialKey reports whether a field named key holds a credential.
// Matching ignores case and surrounding space.
func IsCredentialKey(key string) bool {
	_, ok := credentialKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskSecret keeps a type prefix ("rt_") and the last four characters.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 4 {
		return prefix + maskToken
	}
	return prefix + maskToken + remainder[len(remainder)-4:]
}

// MaskCredentials copies input, masking string values under credential keys
// at any depth. Blank keys are dropped; an empty result is nil.
func MaskCredentials(input map[string]any) map[string]any {
	if len(input) == 0 {
		return nil
	}

	out := make(map[string]any, len(input))
	for key, value := range input {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = maskValue(value, IsCredentialKey(key))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func maskValue(value any, credential bool) any {
	switch v := value.(type) {
	case string:
		if credential {
			return MaskSecret(v)
		}
		return v
	case map[string]any:
		return MaskCredentials(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = maskValue(item, credential)
		}
		return out
	default:
		return value
	}
}

func splitPrefix(value string) (string, string) {
	i := strings.LastIndex(value, "_")
	if i == -1 || i == len(value)-1 {
		return "", value
	}
	return value[:i+1], value[i+1:]
}
