package server

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// parseUserID accepts the decimal snowflake form used in cookies and tokens.
func parseUserID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || id <= 0 {
		return 0, newValidationError("user_id", "invalid_user_id", "invalid user_id")
	}
	return id, nil
}

// timeWindow parses the start_at/end_at filter pair. Either bound may be an
// RFC 3339 instant or a bare date; a bare end date covers the whole day.
func timeWindow(startRaw, endRaw string) (start, end *time.Time, err error) {
	if start, err = timeBound(startRaw, false); err != nil {
		return nil, nil, newValidationError("start_at", "invalid_start_at", "invalid start_at")
	}
	if end, err = timeBound(endRaw, true); err != nil {
		return nil, nil, newValidationError("end_at", "invalid_end_at", "invalid end_at")
	}
	return start, end, nil
}

func timeBound(raw string, inclusiveDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	day, err := time.ParseInLocation(time.DateOnly, raw, time.UTC)
	if err != nil {
		return nil, err
	}
	if inclusiveDay {
		day = day.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return &day, nil
}
