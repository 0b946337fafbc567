package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestParseValidationError(t *testing.T) {
	err := parseValidationError(http.StatusBadRequest, []byte(`{
		"email": ["Enter a valid email address."],
		"username": "taken",
		"non_field_errors": [{"code": "x"}]
	}`))

	assert.Equal(t, []string{
		"email: Enter a valid email address.",
		`non_field_errors: map[code:x]`,
		"username: taken",
	}, err.Lines())
	assert.Contains(t, err.Error(), "validation failed: email: Enter a valid email address.")
}

func TestParseValidationError_NotJSON(t *testing.T) {
	err := parseValidationError(http.StatusBadRequest, []byte("Bad Request\n"))
	assert.Equal(t, []string{"detail: Bad Request"}, err.Lines())
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, CodeNoToken, ErrorCode(fmt.Errorf("wrapped: %w", ErrNoToken)))
	assert.Equal(t, CodeUnauthorized, ErrorCode(&UnauthorizedError{Status: 403}))
	assert.Empty(t, ErrorCode(errors.New("boom")))
	assert.Empty(t, ErrorCode(nil))
}

func TestAuthFailure(t *testing.T) {
	apiErr := &APIError{Method: "POST", URL: "http://x/api/auth/token/", Status: 401, Body: []byte(`{"detail":"bad creds","code":"no_active_account"}`)}

	err := authFailure(apiErr, nil)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "authentication failed: bad creds", authErr.Error())

	var retrieveErr *oauth2.RetrieveError
	require.ErrorAs(t, err, &retrieveErr)
	assert.Equal(t, "no_active_account", retrieveErr.ErrorCode)
	assert.Equal(t, 401, retrieveErr.Response.StatusCode)

	serverErr := &APIError{Status: http.StatusBadGateway}
	assert.Same(t, serverErr, authFailure(serverErr, nil))

	plain := errors.New("dial tcp: refused")
	assert.Equal(t, plain, authFailure(plain, nil))
}

func TestAPIError_Detail(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"detail":"Not found."}`, "Not found."},
		{`{"error":"quota exceeded"}`, "quota exceeded"},
		{`<html>oops</html>`, "<html>oops</html>"},
		{``, ""},
	}
	for _, tt := range tests {
		e := &APIError{Method: "GET", URL: "u", Status: 500, Body: []byte(tt.body)}
		assert.Equal(t, tt.want, e.Detail())
	}
}

func TestAPIError_DetailTruncatesByRune(t *testing.T) {
	body := strings.Repeat("é", maxDetailRunes+5)
	detail := (&APIError{Body: []byte(body)}).Detail()

	assert.True(t, utf8.ValidString(detail))
	assert.Equal(t, strings.Repeat("é", maxDetailRunes)+"...", detail)
}
