package common

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSONResponse(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	WriteJSONResponse(rr, map[string]int{"repositories": 3}, http.StatusCreated)

	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.JSONEq(t, `{"repositories":3}`, rr.Body.String())
}

func TestWriteJSONResponseEncodingFailure(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	WriteJSONResponse(rr, math.Inf(1), http.StatusOK)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "Failed to encode response")
}

func TestWriteErrorResponse(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	WriteErrorResponse(rr, "Repository not found", http.StatusNotFound)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "Repository not found", body.Error)
}
