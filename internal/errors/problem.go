package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface.
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions into the top-level object.
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, 5+len(pd.Extensions))
	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}
	for k, v := range pd.Extensions {
		data[k] = v
	}
	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error.
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details.
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// MapError maps engine outcomes to HTTP problem details.
//
// Tamper and signature failures deliberately share one generic message:
// the client gets a uniform "code rejected" and the distinguishing detail
// stays in the server logs, so the endpoint cannot be used as a
// verification oracle.
func MapError(err error, traceID string) render.Renderer {
	instance := fmt.Sprintf("/api/license#trace-%s", traceID)

	switch {
	case errors.Is(err, ErrNotFound):
		return NewProblemDetails(
			http.StatusNotFound,
			"/errors/license-not-found",
			"License Not Found",
			"The specified license key was not found.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_NOT_FOUND")

	case errors.Is(err, ErrRevoked):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/license-revoked",
			"License Revoked",
			"This license has been revoked and can no longer be activated.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_REVOKED")

	case errors.Is(err, ErrExpired):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/license-expired",
			"License Expired",
			"Your license has expired. Please renew to continue.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_EXPIRED")

	case errors.Is(err, ErrQuotaExceeded):
		return NewProblemDetails(
			http.StatusConflict,
			"/errors/device-quota-exceeded",
			"Device Quota Exceeded",
			"All device slots for this license are in use. Deactivate a device to free a slot.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "DEVICE_QUOTA_EXCEEDED")

	case errors.Is(err, ErrAlreadyBoundElsewhere):
		return NewProblemDetails(
			http.StatusConflict,
			"/errors/already-bound",
			"License Bound to Another Device",
			"This license is bound to a different device. Contact support to transfer it.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "ALREADY_BOUND_ELSEWHERE")

	case errors.Is(err, ErrRequestExpired):
		return NewProblemDetails(
			http.StatusUnprocessableEntity,
			"/errors/request-expired",
			"Request Code Expired",
			"The offline request code is too old. Generate a new one on the target machine.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "REQUEST_EXPIRED")

	case errors.Is(err, ErrBadFormat):
		return NewProblemDetails(
			http.StatusBadRequest,
			"/errors/bad-code-format",
			"Unrecognized Code",
			"The submitted code is not in a recognized format.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "BAD_FORMAT")

	case errors.Is(err, ErrTampered),
		errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrVerificationFailed):
		// Uniform message for all integrity failures.
		return NewProblemDetails(
			http.StatusUnprocessableEntity,
			"/errors/code-rejected",
			"Code Rejected",
			"The submitted code could not be verified.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "CODE_REJECTED")

	case errors.Is(err, ErrTransient):
		return NewProblemDetails(
			http.StatusServiceUnavailable,
			"/errors/store-unavailable",
			"Service Temporarily Unavailable",
			"The license store is temporarily unavailable. Please retry.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "TRANSIENT").
			WithExtension("retry_after", 5)

	default:
		return NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/internal-error",
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INTERNAL_ERROR")
	}
}
