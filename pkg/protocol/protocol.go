package protocol

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Envelope is the uniform JSON wrapper of every agent response.
// Success payloads are inlined next to the status field; error responses
// additionally carry the stable code and an optional context map.
//
// The HTTP status line is 200 for business errors and 500 only for panic
// recovery, so decoding always goes through the envelope.
type Envelope struct {
	Status  Status            `json:"status"`
	Message string            `json:"message,omitempty"`
	Code    Code              `json:"code,omitempty"`
	Context map[string]string `json:"context,omitempty"`
}

// IsSuccess reports whether the envelope carries a success status.
func (e *Envelope) IsSuccess() bool {
	return e.Status == StatusSuccess
}

// Err converts a non-success envelope into a typed error, nil otherwise.
func (e *Envelope) Err() error {
	if e.IsSuccess() {
		return nil
	}
	code := e.Code
	if code == "" {
		code = Code(e.Status.String())
	}
	return &Error{
		Status:  e.Status,
		Code:    code,
		Message: e.Message,
		Context: e.Context,
	}
}

// Error is the one tagged error type of the wire contract. Agent handlers
// produce it, the envelope carries it, and the client rehydrates it.
type Error struct {
	Status  Status
	Code    Code
	Message string
	Context map[string]string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Retryable reports whether the error's code is in the retryable subset.
func (e *Error) Retryable() bool {
	return e.Code.Retryable()
}

// NewError builds an Error with the code's default status class.
func NewError(code Code, format string, a ...any) *Error {
	return &Error{
		Status:  code.DefaultStatus(),
		Code:    code,
		Message: fmt.Sprintf(format, a...),
	}
}

// WithContext attaches a context entry and returns the error for chaining.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// AsError extracts a *Error from err, wrapping foreign errors as
// internal_error so callers always see the taxonomy.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*Error); ok {
		return pe
	}
	return NewError(CodeInternal, "%v", err)
}

// WriteJSON writes a success envelope with the payload fields inlined.
// The payload must marshal to a JSON object (or be nil).
func WriteJSON(w http.ResponseWriter, payload any) {
	writeMerged(w, http.StatusOK, Envelope{Status: StatusSuccess}, payload)
}

// WriteError writes an error envelope. Panic errors are the only ones
// that surface as HTTP 500.
func WriteError(w http.ResponseWriter, err error) {
	pe := AsError(err)
	httpStatus := http.StatusOK
	if pe.Status == StatusPanic {
		httpStatus = http.StatusInternalServerError
	}
	writeMerged(w, httpStatus, Envelope{
		Status:  pe.Status,
		Message: pe.Message,
		Code:    pe.Code,
		Context: pe.Context,
	}, nil)
}

// writeMerged flattens the envelope and the payload into one JSON object.
func writeMerged(w http.ResponseWriter, httpStatus int, env Envelope, payload any) {
	merged := make(map[string]json.RawMessage)

	envBytes, err := json.Marshal(env)
	if err == nil {
		err = json.Unmarshal(envBytes, &merged)
	}
	if err == nil && payload != nil {
		var payloadBytes []byte
		if payloadBytes, err = json.Marshal(payload); err == nil {
			var fields map[string]json.RawMessage
			if err = json.Unmarshal(payloadBytes, &fields); err == nil {
				for k, v := range fields {
					merged[k] = v
				}
			}
		}
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// status is always present even though the envelope omits zero values
	// elsewhere.
	if _, ok := merged["status"]; !ok {
		merged["status"] = json.RawMessage("0")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(merged)
}

// DecodeBody decodes a JSON request body, rejecting unknown fields.
// Returns an invalid_request error the handler can write directly.
func DecodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return NewError(CodeInvalidRequest, "invalid JSON body: %v", err)
	}
	return nil
}

// DecodeEnvelope parses a raw response body into the envelope plus the
// inlined payload. Client-side counterpart of WriteJSON/WriteError.
func DecodeEnvelope(body []byte, payload any) error {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return NewError(CodeConnectionFailed, "malformed response envelope: %v", err)
	}
	if err := env.Err(); err != nil {
		return err
	}
	if payload != nil {
		if err := json.Unmarshal(body, payload); err != nil {
			return NewError(CodeConnectionFailed, "malformed response payload: %v", err)
		}
	}
	return nil
}
