package protocol

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSONInlinesPayload(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, map[string]any{"processId": "p1", "pid": 42})

	assert.Equal(t, 200, w.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, float64(0), got["status"])
	assert.Equal(t, "p1", got["processId"])
	assert.Equal(t, float64(42), got["pid"])
}

func TestWriteErrorBusinessErrorsAreHTTP200(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, NewError(CodeProcessNotFound, "process not found: %s", "p9"))

	assert.Equal(t, 200, w.Code)

	var env Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, StatusNotFound, env.Status)
	assert.Equal(t, CodeProcessNotFound, env.Code)
	assert.Contains(t, env.Message, "p9")
}

func TestWriteErrorPanicIsHTTP500(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, &Error{Status: StatusPanic, Code: CodePanic, Message: "boom"})
	assert.Equal(t, 500, w.Code)
}

func TestDecodeEnvelopeRoundTrip(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, ExecResponse{ProcessID: "p1", PID: 7, State: "running"})

	var resp ExecResponse
	require.NoError(t, DecodeEnvelope(w.Body.Bytes(), &resp))
	assert.Equal(t, "p1", resp.ProcessID)
	assert.Equal(t, 7, resp.PID)
}

func TestDecodeEnvelopeSurfacesTypedError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, NewError(CodeInvalidPath, "outside workspace").WithContext("path", "../etc"))

	err := DecodeEnvelope(w.Body.Bytes(), nil)
	require.Error(t, err)

	pe, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidPath, pe.Code)
	assert.Equal(t, StatusValidationError, pe.Status)
	assert.Equal(t, "../etc", pe.Context["path"])
	assert.False(t, pe.Retryable())
}

func TestRetryableCodeTable(t *testing.T) {
	tests := []struct {
		code      Code
		retryable bool
	}{
		{CodeOperationTimeout, true},
		{CodeConnectionFailed, true},
		{CodeServiceUnavailable, true},
		{CodeDevboxNotReady, true},
		{CodePoolExhausted, true},
		{CodeDiskFull, true},
		{CodeUnauthorized, false},
		{CodeInvalidPath, false},
		{CodeProcessNotFound, false},
		{CodeValidation, false},
		{CodeConflict, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.retryable, tt.code.Retryable(), string(tt.code))
	}
}

func TestDefaultStatusMapping(t *testing.T) {
	assert.Equal(t, StatusValidationError, CodeInvalidPath.DefaultStatus())
	assert.Equal(t, StatusNotFound, CodeSessionNotFound.DefaultStatus())
	assert.Equal(t, StatusConflict, CodeDirNotEmpty.DefaultStatus())
	assert.Equal(t, StatusUnauthorized, CodeInvalidToken.DefaultStatus())
	assert.Equal(t, StatusOperationError, CodeOperationTimeout.DefaultStatus())
	assert.Equal(t, StatusInternalError, CodeInternal.DefaultStatus())
}
