package tracing

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsCredentials(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/token"),
		attribute.String("refresh_token", "r1"),
		attribute.String("http.request.header.cookie", "grove_session=x"),
	)
	assert.Len(t, attrs, 1)
	assert.Equal(t, attribute.Key("http.route"), attrs[0].Key)
}

func TestSafeErrorFlattensChain(t *testing.T) {
	base := errors.New("boom")
	wrapped := fmt.Errorf("store: %w", base)

	safe := SafeError(wrapped)
	assert.EqualError(t, safe, "store: boom")
	assert.False(t, errors.Is(safe, base))
	assert.Nil(t, SafeError(nil))
}
