package gatewayerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Internal(cause, "storage write failed")

	var ge *Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, CodeInternal, ge.Code)
	assert.ErrorIs(t, err, cause)
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, 429, RateLimited("too fast").HTTPStatus())
	assert.Equal(t, 403, PermissionDenied("no").HTTPStatus())
	assert.Equal(t, 423, Sanctioned("banned").HTTPStatus())
	assert.Equal(t, 500, (&Error{Code: "UNKNOWN"}).HTTPStatus())
}

func TestErrorMessage(t *testing.T) {
	err := Validation("field %q required", "name")
	assert.Contains(t, err.Error(), "VALIDATION_ERROR")
	assert.Contains(t, err.Error(), `field "name" required`)
}
