package backend

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
)

// AlreadyEnrolledMessage is the message fragment the backend uses for
// duplicate enrollments.
const AlreadyEnrolledMessage = "already enrolled"

const enrollPathSuffix = "/enroll"

// APIError is a non-2xx backend response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (apiError *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", apiError.Method, apiError.Path, apiError.StatusCode, apiError.Message)
}

// Unwrap maps the response onto the error taxonomy.
func (apiError *APIError) Unwrap() error {
	return classifyStatus(apiError.Method, apiError.Path, apiError.StatusCode, apiError.Message)
}

// classifyStatus reports duplicate enrollments only for 4xx answers to an
// enroll call; a 409 anywhere else is a plain rejection.
func classifyStatus(method string, path string, statusCode int, message string) error {
	clientError := statusCode >= 400 && statusCode < 500
	if clientError && isEnrollCall(method, path) &&
		(statusCode == http.StatusConflict || strings.Contains(strings.ToLower(message), AlreadyEnrolledMessage)) {
		return marketplace.ErrEnrollmentConflict
	}
	switch {
	case statusCode == http.StatusBadRequest, statusCode == http.StatusUnprocessableEntity:
		return marketplace.ErrValidation
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusTooManyRequests:
		return marketplace.ErrServerUnreachable
	case statusCode >= 400 && statusCode < 500:
		return marketplace.ErrServerRejected
	default:
		return marketplace.ErrServerUnreachable
	}
}

func isEnrollCall(method string, path string) bool {
	return method == http.MethodPost && strings.HasSuffix(path, enrollPathSuffix)
}
