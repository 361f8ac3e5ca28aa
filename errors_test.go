package portalcrypt

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigError_Error(t *testing.T) {
	err := &ConfigError{Param: "Salt", Reason: "required"}

	assert.Equal(t, "invalid configuration: Salt: required", err.Error())
}

func TestEstablishmentError_Error(t *testing.T) {
	httpErr := &EstablishmentError{StatusCode: 503, Body: "maintenance"}
	assert.Equal(t, "session establishment failed: status 503: maintenance", httpErr.Error())

	transportErr := &EstablishmentError{Err: io.ErrUnexpectedEOF}
	assert.Contains(t, transportErr.Error(), "unexpected EOF")
}

func TestEstablishmentError_Unwrap(t *testing.T) {
	err := &EstablishmentError{Err: io.ErrUnexpectedEOF}

	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}
