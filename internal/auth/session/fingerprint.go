package session

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// fingerprintHeaders are hashed in this order. The client IP is never part
// of a fingerprint: it changes routinely on mobile networks and VPNs.
var fingerprintHeaders = []string{
	"User-Agent",
	"Accept-Language",
	"Sec-CH-UA",
	"Sec-CH-UA-Mobile",
	"Sec-CH-UA-Platform",
}

// Fingerprint identifies a device for display. It is not a trust boundary.
func Fingerprint(h http.Header) string {
	sum := sha256.New()
	for _, name := range fingerprintHeaders {
		sum.Write([]byte(strings.TrimSpace(h.Get(name))))
		sum.Write([]byte{'\n'})
	}
	return hex.EncodeToString(sum.Sum(nil))
}

// DeviceInfoFromHeader builds the DeviceInfo for a new session.
func DeviceInfoFromHeader(h http.Header) DeviceInfo {
	ua := strings.TrimSpace(h.Get("User-Agent"))
	return DeviceInfo{
		UserAgent:   ua,
		Fingerprint: Fingerprint(h),
		DeviceName:  DeviceName(ua),
	}
}

// DeviceName returns a short label such as "Chrome on macOS".
func DeviceName(userAgent string) string {
	ua := strings.ToLower(userAgent)
	if ua == "" {
		return "Unknown device"
	}

	browser := "Browser"
	switch {
	case strings.Contains(ua, "edg/"):
		browser = "Edge"
	case strings.Contains(ua, "opr/") || strings.Contains(ua, "opera"):
		browser = "Opera"
	case strings.Contains(ua, "firefox/"):
		browser = "Firefox"
	case strings.Contains(ua, "chrome/") || strings.Contains(ua, "crios/"):
		browser = "Chrome"
	case strings.Contains(ua, "safari/"):
		browser = "Safari"
	case strings.Contains(ua, "curl/"):
		browser = "curl"
	}

	platform := ""
	switch {
	case strings.Contains(ua, "iphone"):
		platform = "iPhone"
	case strings.Contains(ua, "ipad"):
		platform = "iPad"
	case strings.Contains(ua, "android"):
		platform = "Android"
	case strings.Contains(ua, "mac os x") || strings.Contains(ua, "macintosh"):
		platform = "macOS"
	case strings.Contains(ua, "windows"):
		platform = "Windows"
	case strings.Contains(ua, "linux"):
		platform = "Linux"
	}

	if platform == "" {
		return browser
	}
	return browser + " on " + platform
}
