// Package api exposes the action lifecycle over HTTP. Errors are RFC 7807
// problem documents, mutating endpoints honor Idempotency-Key replay, and
// every request carries an authenticated identity resolved by the JWT
// middleware.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/stewardlabs/veract/pkg/contracts"
)

// ProblemDetail is an RFC 7807 problem document. Details carries the
// structured context of a domain error (action_id, status, failed checks)
// as an extension member.
type ProblemDetail struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Status   int                    `json:"status"`
	Detail   string                 `json:"detail,omitempty"`
	Instance string                 `json:"instance,omitempty"`
	TraceID  string                 `json:"trace_id,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// WriteProblem writes a problem document with the proper content type.
func WriteProblem(w http.ResponseWriter, p ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a minimal problem document.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	WriteProblem(w, ProblemDetail{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteErrorR writes a problem document enriched with the request path and
// the request ID assigned by the router middleware.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	WriteProblem(w, ProblemDetail{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  middleware.GetReqID(r.Context()),
	})
}

// WriteBadRequest writes a 400 problem document.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 problem document.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	WriteErrorR(w, r, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 problem document.
func WriteForbidden(w http.ResponseWriter, r *http.Request, detail string) {
	WriteErrorR(w, r, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 problem document.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteErrorR(w, r, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 with a Retry-After hint in seconds.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSeconds int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	WriteProblem(w, ProblemDetail{
		Type:   "about:blank",
		Title:  "Too Many Requests",
		Status: http.StatusTooManyRequests,
		Detail: "rate limit exceeded",
	})
}

// WriteInternal writes a 500 problem document. The underlying error is never
// exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request) {
	WriteErrorR(w, r, http.StatusInternalServerError, "Internal Server Error", "an unexpected error occurred")
}

// statusFor maps a domain error type to its HTTP status.
func statusFor(t contracts.ErrorType) int {
	switch t {
	case contracts.ErrorTypeValidation:
		return http.StatusBadRequest
	case contracts.ErrorTypeUnauthorized:
		return http.StatusUnauthorized
	case contracts.ErrorTypeForbidden, contracts.ErrorTypePolicyDenied:
		return http.StatusForbidden
	case contracts.ErrorTypeNotFound:
		return http.StatusNotFound
	case contracts.ErrorTypeStateConflict, contracts.ErrorTypeConflict:
		return http.StatusConflict
	case contracts.ErrorTypeExpired:
		return http.StatusGone
	case contracts.ErrorTypeExecutionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// titleFor gives each domain error type a stable human-readable title.
func titleFor(t contracts.ErrorType) string {
	switch t {
	case contracts.ErrorTypeValidation:
		return "Validation Failed"
	case contracts.ErrorTypeUnauthorized:
		return "Unauthorized"
	case contracts.ErrorTypeForbidden:
		return "Forbidden"
	case contracts.ErrorTypePolicyDenied:
		return "Policy Denied"
	case contracts.ErrorTypeNotFound:
		return "Not Found"
	case contracts.ErrorTypeStateConflict:
		return "State Conflict"
	case contracts.ErrorTypeConflict:
		return "Conflict"
	case contracts.ErrorTypeExpired:
		return "Approval Expired"
	case contracts.ErrorTypeExecutionFailed:
		return "Execution Failed"
	default:
		return "Internal Server Error"
	}
}

// WriteDomainError translates an error from the engine into a problem
// document. Domain errors keep their message and details; anything else
// becomes an opaque 500.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var derr *contracts.DomainError
	if !errors.As(err, &derr) {
		WriteInternal(w, r)
		return
	}
	details := make(map[string]interface{}, len(derr.Details))
	for k, v := range derr.Details {
		details[k] = v
	}
	if len(details) == 0 {
		details = nil
	}
	WriteProblem(w, ProblemDetail{
		Type:     "https://veract.dev/problems/" + string(derr.Type),
		Title:    titleFor(derr.Type),
		Status:   statusFor(derr.Type),
		Detail:   derr.Message,
		Instance: r.URL.Path,
		TraceID:  middleware.GetReqID(r.Context()),
		Details:  details,
	})
}
