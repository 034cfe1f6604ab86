package session

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/grove/internal/clock"
	"github.com/smallbiznis/grove/internal/config"
)

const CookieName = "grove_session"

// Manager reads and writes the session cookie.
type Manager struct {
	cookieName string
	domain     string
	secure     bool
	clock      clock.Clock
}

func NewManager(cfg config.Config, clk clock.Clock) *Manager {
	return &Manager{
		cookieName: CookieName,
		domain:     cfg.AuthCookieDomain,
		secure:     cfg.AuthCookieSecure,
		clock:      clk,
	}
}

func (m *Manager) CookieName() string {
	return m.cookieName
}

func (m *Manager) ReadToken(c *gin.Context) (string, bool) {
	return readCookie(c.Request, m.cookieName)
}

// ReadRequest is ReadToken for plain net/http requests.
func (m *Manager) ReadRequest(r *http.Request) (string, bool) {
	return readCookie(r, m.cookieName)
}

func (m *Manager) Set(c *gin.Context, value string, expiresAt time.Time) {
	maxAge := int(expiresAt.Sub(m.clock.Now()).Seconds())
	if maxAge < 0 {
		maxAge = 0
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(m.cookieName, value, maxAge, "/", m.domain, m.secure, true)
}

func (m *Manager) Clear(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(m.cookieName, "", -1, "/", m.domain, m.secure, true)
}

func readCookie(r *http.Request, name string) (string, bool) {
	cookie, err := r.Cookie(name)
	if err != nil {
		return "", false
	}
	// gin query-escapes cookie values on write.
	value, err := url.QueryUnescape(cookie.Value)
	if err != nil {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}
