package api

import (
	"encoding/json"
	"net/http"
)

// Response is the envelope of every JSON reply
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// ErrorInfo describes a failed request
type ErrorInfo struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details []ValidationError `json:"details,omitempty"`
}

// Meta carries offset pagination for list responses
type Meta struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit,omitempty"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// errorCodes maps statuses to the machine readable code clients switch on
var errorCodes = map[int]string{
	http.StatusBadRequest:          "BAD_REQUEST",
	http.StatusNotFound:            "NOT_FOUND",
	http.StatusInternalServerError: "INTERNAL_ERROR",
	http.StatusServiceUnavailable:  "UNAVAILABLE",
}

func write(w http.ResponseWriter, status int, resp Response) {
	resp.Success = resp.Error == nil && status < http.StatusBadRequest
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// JSON writes data with the given status
func JSON(w http.ResponseWriter, status int, data interface{}) {
	write(w, status, Response{Data: data})
}

// JSONWithMeta writes data and pagination metadata
func JSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *Meta) {
	write(w, status, Response{Data: data, Meta: meta})
}

// Error writes an error envelope with an explicit code
func Error(w http.ResponseWriter, status int, code, message string) {
	write(w, status, Response{Error: &ErrorInfo{Code: code, Message: message}})
}

func fail(w http.ResponseWriter, status int, message string) {
	Error(w, status, errorCodes[status], message)
}

// ValidationErrorResponse reports every rejected query field at once
func ValidationErrorResponse(w http.ResponseWriter, errs ValidationErrors) {
	write(w, http.StatusBadRequest, Response{Error: &ErrorInfo{
		Code:    "VALIDATION_ERROR",
		Message: "Request validation failed",
		Details: errs,
	}})
}

func BadRequest(w http.ResponseWriter, message string)  { fail(w, http.StatusBadRequest, message) }
func NotFound(w http.ResponseWriter, message string)    { fail(w, http.StatusNotFound, message) }
func InternalError(w http.ResponseWriter, message string) {
	fail(w, http.StatusInternalServerError, message)
}
func ServiceUnavailable(w http.ResponseWriter, message string) {
	fail(w, http.StatusServiceUnavailable, message)
}

// OK writes data with 200
func OK(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusOK, data)
}

// NoContent writes an empty 204
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// List writes one page of items. A negative offset is reported as zero.
func List(w http.ResponseWriter, items interface{}, total, limit, offset int) {
	offset = max(offset, 0)
	JSONWithMeta(w, http.StatusOK, items, &Meta{
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: limit > 0 && offset+limit < total,
	})
}
