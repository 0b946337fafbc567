package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"golang.org/x/oauth2"
)

var (
	// ErrNoToken is returned by authenticated reads when no access token is held.
	ErrNoToken = errors.New("not authenticated")

	// ErrNoRefreshToken is returned by Refresh when no refresh token is held.
	ErrNoRefreshToken = errors.New("no refresh token")

	// ErrUnauthorized matches any *UnauthorizedError. The session is no
	// longer valid and the caller should log out.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrCircuitOpen is returned by GetProfile while profile fetches are
	// suspended and there is no cached profile to fall back on.
	ErrCircuitOpen = errors.New("profile fetch suspended after repeated failures")

	// errSessionChanged is returned by a profile fetch whose session was
	// logged out or replaced before the response arrived.
	errSessionChanged = errors.New("session changed during profile fetch")

	// ErrRefreshTokenExpired indicates the backend rejected the refresh token.
	ErrRefreshTokenExpired = errors.New("refresh token expired or invalid")
)

// Error codes shared with the UI layer.
const (
	CodeNoToken      = "NO_TOKEN"
	CodeUnauthorized = "UNAUTHORIZED"
)

// ErrorCode returns the distinguished code for err, or "" for generic errors.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNoToken):
		return CodeNoToken
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	default:
		return ""
	}
}

// UnauthorizedError is a 401/403 that the single automatic refresh could
// not recover from.
type UnauthorizedError struct {
	Status int
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("unauthorized (status %d)", e.Status)
}

func (e *UnauthorizedError) Is(target error) bool {
	return target == ErrUnauthorized
}

// APIError is any non-2xx backend response without a more specific type.
type APIError struct {
	Method string
	URL    string
	Status int
	Body   []byte
}

func (e *APIError) Error() string {
	if detail := e.Detail(); detail != "" {
		return fmt.Sprintf("%s %s failed with status %d: %s", e.Method, e.URL, e.Status, detail)
	}
	return fmt.Sprintf("%s %s failed with status %d", e.Method, e.URL, e.Status)
}

// Detail extracts the backend's message from a {"detail"} or {"error"} body,
// falling back to the raw body.
func (e *APIError) Detail() string {
	return errorDetail(e.Body)
}

// AuthError is a rejected login or identity-token exchange.
type AuthError struct {
	Status int
	Detail string
	Err    *oauth2.RetrieveError
}

func (e *AuthError) Error() string {
	if e.Detail != "" {
		return "authentication failed: " + e.Detail
	}
	return fmt.Sprintf("authentication failed with status %d", e.Status)
}

func (e *AuthError) Unwrap() error {
	if e.Err == nil {
		return nil
	}
	return e.Err
}

// ValidationError carries the backend's per-field messages.
type ValidationError struct {
	Status int
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Lines(), "; ")
}

// Lines renders the fields as "field: message" lines in field order.
func (e *ValidationError) Lines() []string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var lines []string
	for _, k := range keys {
		for _, msg := range e.Fields[k] {
			lines = append(lines, k+": "+msg)
		}
	}
	return lines
}

// parseValidationError decodes a DRF-style {"field": ["msg", ...]} body.
func parseValidationError(status int, body []byte) *ValidationError {
	fields := make(map[string][]string)

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		fields["detail"] = []string{strings.TrimSpace(string(body))}
		return &ValidationError{Status: status, Fields: fields}
	}

	for field, v := range raw {
		switch val := v.(type) {
		case string:
			fields[field] = []string{val}
		case []any:
			for _, item := range val {
				fields[field] = append(fields[field], fmt.Sprint(item))
			}
		default:
			b, _ := json.Marshal(val)
			fields[field] = []string{string(b)}
		}
	}
	return &ValidationError{Status: status, Fields: fields}
}

// authFailure converts a rejected credential exchange into *AuthError.
// Other failures are returned unchanged.
func authFailure(err error, res *response) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
	default:
		return err
	}

	retrieveErr := &oauth2.RetrieveError{Body: apiErr.Body}
	if res != nil && res.raw != nil {
		retrieveErr.Response = res.raw
	} else {
		// RetrieveError.Error dereferences Response when ErrorCode is empty
		retrieveErr.Response = &http.Response{
			StatusCode: apiErr.Status,
			Status:     fmt.Sprintf("%d %s", apiErr.Status, http.StatusText(apiErr.Status)),
		}
	}
	var body struct {
		Code string `json:"code"`
	}
	if json.Unmarshal(apiErr.Body, &body) == nil {
		retrieveErr.ErrorCode = body.Code
	}

	return &AuthError{
		Status: apiErr.Status,
		Detail: apiErr.Detail(),
		Err:    retrieveErr,
	}
}

// errorDetail pulls a human message out of an error body.
const maxDetailRunes = 200

func errorDetail(body []byte) string {
	var msg struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &msg); err == nil {
		if msg.Detail != "" {
			return msg.Detail
		}
		if msg.Error != "" {
			return msg.Error
		}
	}
	text := strings.TrimSpace(string(body))
	if runes := []rune(text); len(runes) > maxDetailRunes {
		text = string(runes[:maxDetailRunes]) + "..."
	}
	return text
}
