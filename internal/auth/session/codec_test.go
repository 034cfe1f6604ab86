package session

import (
	"net/http"
	"strings"
	"testing"

	"github.com/smallbiznis/grove/internal/auth/secret"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestCodecRoundTrip(t *testing.T) {
	codec, err := NewCodec(testKey, true)
	require.NoError(t, err)

	cases := []struct{ sid, uid string }{
		{"3f2b7c0e-8a51-4c4e-9d0b-6a1e2f3d4c5b", "1234567890"},
		{"", ""},
		{"with:colon", "uid:also"},
		{"ünïcødé", "🙂"},
		{"sid-\xff\xfe", "u\x80"},
		{"nul\x00byte", "\xc3\x28"},
	}
	for _, tc := range cases {
		value, err := codec.Encode(tc.sid, tc.uid)
		require.NoError(t, err)
		assert.Equal(t, 1, strings.Count(value, ":"))

		payload, ok := codec.Decode(value)
		require.True(t, ok, "decode %q", value)
		assert.Equal(t, tc.sid, payload.SessionID)
		assert.Equal(t, tc.uid, payload.UserID)
		assert.False(t, payload.Legacy)
	}
}

func TestCodecEncodeIsRandomized(t *testing.T) {
	codec, err := NewCodec(testKey, false)
	require.NoError(t, err)

	a, err := codec.Encode("sid", "uid")
	require.NoError(t, err)
	b, err := codec.Encode("sid", "uid")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCodecRejectsEveryBitFlip(t *testing.T) {
	codec, err := NewCodec(testKey, true)
	require.NoError(t, err)

	value, err := codec.Encode("session-1", "42")
	require.NoError(t, err)

	for i := 0; i < len(value); i++ {
		if value[i] == ':' {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			tampered := []byte(value)
			tampered[i] ^= 1 << bit
			_, ok := codec.Decode(string(tampered))
			require.False(t, ok, "byte %d bit %d flipped still decoded", i, bit)
		}
	}
}

func TestCodecRejectsWrongKeyAndGarbage(t *testing.T) {
	codec, err := NewCodec(testKey, true)
	require.NoError(t, err)
	other, err := NewCodec([]byte("another-secret"), true)
	require.NoError(t, err)

	value, err := codec.Encode("sid", "uid")
	require.NoError(t, err)
	_, ok := other.Decode(value)
	assert.False(t, ok)

	for _, v := range []string{"", ":", "abc", "a:b:c:d", "!!!:???", value + "=", strings.Replace(value, ":", "::", 1)} {
		_, ok := codec.Decode(v)
		assert.False(t, ok, "value %q", v)
	}
}

func TestCodecLegacyFormat(t *testing.T) {
	legacyValue := "sess-1:42:" + secret.Sign(testKey, "sess-1:42")

	enabled, err := NewCodec(testKey, true)
	require.NoError(t, err)
	payload, ok := enabled.Decode(legacyValue)
	require.True(t, ok)
	assert.Equal(t, "sess-1", payload.SessionID)
	assert.Equal(t, "42", payload.UserID)
	assert.True(t, payload.Legacy)

	_, ok = enabled.Decode("sess-1:43:" + secret.Sign(testKey, "sess-1:42"))
	assert.False(t, ok)

	disabled, err := NewCodec(testKey, false)
	require.NoError(t, err)
	_, ok = disabled.Decode(legacyValue)
	assert.False(t, ok)
}

func TestNewCodecRequiresSecret(t *testing.T) {
	_, err := NewCodec(nil, false)
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestFingerprintIgnoresIP(t *testing.T) {
	base := http.Header{}
	base.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) AppleWebKit/537.36 Chrome/120.0 Safari/537.36")
	base.Set("Accept-Language", "en-US")
	base.Set("Sec-CH-UA-Platform", `"macOS"`)

	moved := base.Clone()
	moved.Set("X-Forwarded-For", "203.0.113.9")
	moved.Set("X-Real-IP", "203.0.113.9")

	assert.Equal(t, Fingerprint(base), Fingerprint(moved))

	otherLang := base.Clone()
	otherLang.Set("Accept-Language", "de-DE")
	assert.NotEqual(t, Fingerprint(base), Fingerprint(otherLang))
}

func TestDeviceName(t *testing.T) {
	tests := map[string]string{
		"": "Unknown device",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) AppleWebKit/537.36 Chrome/120.0 Safari/537.36":            "Chrome on macOS",
		"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 Version/17.0 Safari/604.1": "Safari on iPhone",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0":                      "Firefox on Windows",
		"Mozilla/5.0 (Windows NT 10.0) AppleWebKit/537.36 Chrome/120.0 Safari/537.36 Edg/120.0":                  "Edge on Windows",
		"curl/8.4.0": "curl",
	}
	for ua, want := range tests {
		assert.Equal(t, want, DeviceName(ua), ua)
	}
}
