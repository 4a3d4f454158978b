package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationError_Is(t *testing.T) {
	err := fmt.Errorf("generate manifest: %w", NewValidationError("connectors", "unknown connector %q", "nope"))

	assert.True(t, errors.Is(err, ErrValidation))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, `generate manifest: validation failed: connectors: unknown connector "nope"`, err.Error())

	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))
	assert.Equal(t, "connectors", ve.Field)
}

func TestRuntimeControlError(t *testing.T) {
	cause := errors.New("exit status 125")
	err := &RuntimeControlError{Op: "start", Unit: "acme-inference", Output: "port is already allocated", Err: cause}

	assert.Equal(t, "runtime start acme-inference: exit status 125: port is already allocated", err.Error())
	assert.True(t, errors.Is(err, cause))
}
