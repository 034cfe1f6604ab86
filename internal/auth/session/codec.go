package session

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/smallbiznis/grove/internal/auth/secret"
	"github.com/smallbiznis/grove/internal/config"
	"go.uber.org/zap"
)

const cookieKeyInfo = "grove-session-cookie-v2"

var ErrMissingSecret = errors.New("session cookie secret is required")

var strictB64 = base64.RawURLEncoding.Strict()

// CookiePayload is what a session cookie carries.
type CookiePayload struct {
	SessionID string
	UserID    string
	// Legacy marks a value decoded from the HMAC format.
	Legacy bool
}

// cookieWire is the sealed plaintext. The fields are bytes so arbitrary,
// including non UTF-8, ids survive the round trip.
type cookieWire struct {
	SessionID []byte `json:"sid"`
	UserID    []byte `json:"uid"`
}

// Codec encodes session cookies as
//
//	base64url(salt || iv) ":" base64url(AES-256-GCM ciphertext)
//
// with a key derived per cookie by HKDF-SHA256 from the server secret and
// the salt. When legacy decoding is enabled it also accepts the older
// "sessionId:userId:signature" HMAC format.
type Codec struct {
	secret []byte
	legacy bool
}

func NewCodec(key []byte, legacyEnabled bool) (*Codec, error) {
	if len(key) == 0 {
		return nil, ErrMissingSecret
	}
	return &Codec{secret: key, legacy: legacyEnabled}, nil
}

// NewCodecFromConfig reads SESSION_SECRET. Outside production an empty
// secret falls back to a per-process random key.
func NewCodecFromConfig(cfg config.Config, log *zap.Logger) (*Codec, error) {
	key := []byte(cfg.Session.Secret)
	if len(key) == 0 && !cfg.IsProduction() {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		log.Warn("SESSION_SECRET not set, using an ephemeral cookie key")
	}
	return NewCodec(key, cfg.Session.LegacyCookieEnabled)
}

func (c *Codec) Encode(sessionID, userID string) (string, error) {
	plaintext, err := json.Marshal(cookieWire{SessionID: []byte(sessionID), UserID: []byte(userID)})
	if err != nil {
		return "", err
	}
	sealed, err := secret.Seal(c.secret, cookieKeyInfo, plaintext)
	if err != nil {
		return "", err
	}
	head := make([]byte, 0, len(sealed.Salt)+len(sealed.Nonce))
	head = append(head, sealed.Salt...)
	head = append(head, sealed.Nonce...)
	return strictB64.EncodeToString(head) + ":" + strictB64.EncodeToString(sealed.Ciphertext), nil
}

// Decode returns the payload of a well-formed, untampered cookie. Every
// failure looks the same to the caller.
func (c *Codec) Decode(value string) (*CookiePayload, bool) {
	parts := strings.Split(value, ":")
	switch len(parts) {
	case 2:
		return c.decodeCurrent(parts[0], parts[1])
	case 3:
		if !c.legacy {
			return nil, false
		}
		return c.decodeLegacy(parts[0], parts[1], parts[2])
	default:
		return nil, false
	}
}

func (c *Codec) decodeCurrent(headPart, bodyPart string) (*CookiePayload, bool) {
	head, err := strictB64.DecodeString(headPart)
	if err != nil || len(head) != secret.SaltSize+secret.NonceSize {
		return nil, false
	}
	body, err := strictB64.DecodeString(bodyPart)
	if err != nil {
		return nil, false
	}
	plaintext, err := secret.Open(c.secret, cookieKeyInfo, secret.Sealed{
		Salt:       head[:secret.SaltSize],
		Nonce:      head[secret.SaltSize:],
		Ciphertext: body,
	})
	if err != nil {
		return nil, false
	}
	var wire cookieWire
	if err := json.Unmarshal(plaintext, &wire); err != nil {
		return nil, false
	}
	return &CookiePayload{SessionID: string(wire.SessionID), UserID: string(wire.UserID)}, true
}

func (c *Codec) decodeLegacy(sessionID, userID, signature string) (*CookiePayload, bool) {
	if sessionID == "" || userID == "" {
		return nil, false
	}
	if !secret.VerifySignature(c.secret, sessionID+":"+userID, signature) {
		return nil, false
	}
	return &CookiePayload{SessionID: sessionID, UserID: userID, Legacy: true}, true
}
