// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	jspolicy "github.com/buke/js-policy"
)

func TestRenderer_DefaultJSON(t *testing.T) {
	r, err := NewRenderer(nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	require.NoError(t, r.Render(rec, &jspolicy.Failure{StatusCode: 400, Message: "bad"}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.JSONEq(t, `{"http_status_code":400,"message":"bad"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	require.NoError(t, r.Render(rec, &jspolicy.Failure{StatusCode: 401, Key: "AUTH", Message: "no"}))
	require.JSONEq(t, `{"http_status_code":401,"key":"AUTH","message":"no"}`, rec.Body.String())
}

func TestRenderer_Template(t *testing.T) {
	r, err := NewRenderer(map[string]string{
		"XML_ERROR": "<error code=\"{{.StatusCode}}\">{{.Message}}</error>",
		"BROKEN":    "{{.Missing.Field}}",
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	require.NoError(t, r.Render(rec, &jspolicy.Failure{StatusCode: 403, Key: "XML_ERROR", Message: "denied", ContentType: "application/xml"}))
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "application/xml", rec.Header().Get("Content-Type"))
	require.Equal(t, `<error code="403">denied</error>`, rec.Body.String())

	rec = httptest.NewRecorder()
	require.Error(t, r.Render(rec, &jspolicy.Failure{StatusCode: 500, Key: "BROKEN", Message: "fallback", ContentType: "text/plain"}))
	require.Equal(t, "fallback", rec.Body.String())
}

func TestRenderer_RawMessage(t *testing.T) {
	r, err := NewRenderer(map[string]string{"OTHER": "x"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	require.NoError(t, r.Render(rec, &jspolicy.Failure{StatusCode: 429, Key: "RATE", Message: "slow down", ContentType: "text/plain"}))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	require.Equal(t, "slow down", rec.Body.String())
}

func TestNewRenderer_ParseError(t *testing.T) {
	_, err := NewRenderer(map[string]string{"BAD": "{{"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "BAD")
}

func TestRenderer_OutOfRangeStatus(t *testing.T) {
	r, err := NewRenderer(nil)
	require.NoError(t, err)

	for _, code := range []int{0, 99, 600, 999} {
		rec := httptest.NewRecorder()
		require.NoError(t, r.Render(rec, &jspolicy.Failure{StatusCode: code, Key: "ODD", Message: "odd"}))
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		require.JSONEq(t, fmt.Sprintf(`{"http_status_code":%d,"key":"ODD","message":"odd"}`, code), rec.Body.String())
	}
}
