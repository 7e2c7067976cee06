package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"msg only", E(NotFound, "", "missing", nil), "missing"},
		{"op and msg", E(NotFound, "fetch", "missing", nil), "fetch: missing"},
		{"op and cause", E(BackendError, "embed", "", errors.New("boom")), "embed: boom"},
		{"all", E(BackendError, "embed", "status 500", errors.New("boom")), "embed: status 500: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	base := E(ServiceUnavailable, "embed", "connection refused", nil)
	wrapped := fmt.Errorf("file a.go: %w", base)

	assert.True(t, IsServiceUnavailable(wrapped))
	assert.False(t, IsBackend(wrapped))
	assert.Equal(t, ServiceUnavailable, KindOf(wrapped))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(Fatal, "op", nil))

	cause := errors.New("disk full")
	err := Wrap(Fatal, "write", cause)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrFatal)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "service_unavailable", ServiceUnavailable.String())
	assert.Equal(t, "kind(99)", Kind(99).String())
}
