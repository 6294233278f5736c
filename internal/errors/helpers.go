package errors

import (
	"fmt"
	"net/http"
)

// NewValidationError creates a validation error with field context
func NewValidationError(field, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewPermissionError creates an error for a caller that may not perform an action
func NewPermissionError(action, reason string) *AppError {
	return New(ErrCodePermission, fmt.Sprintf("not allowed to %s: %s", action, reason)).
		WithContext("action", action).
		WithUserMessage("You are not allowed to perform this action")
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// NewConflictError creates an error for a request that contradicts current state
func NewConflictError(reason string) *AppError {
	return New(ErrCodeConflict, reason).
		WithUserMessage(reason)
}

// NewDependencyError wraps a store, blob or queue failure. The user may retry.
func NewDependencyError(dependency, operation string, err error) *AppError {
	return WrapRetryable(err, ErrCodeDependency, fmt.Sprintf("%s %s failed", dependency, operation)).
		WithContext("dependency", dependency).
		WithContext("operation", operation).
		WithUserMessage("A backing service failed, please retry")
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration).
		WithUserMessage("Operation timed out, please try again")
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(limit float64, burst int) *AppError {
	return New(ErrCodeRateLimit, "rate limit exceeded").
		WithContext("limit", limit).
		WithContext("burst", burst).
		WithUserMessage("Too many requests, please try again later")
}

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeValidationFailed, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeAuthentication:
		return http.StatusUnauthorized
	case ErrCodePermission:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case ErrCodeTimeout:
		return http.StatusRequestTimeout
	case ErrCodeDependency, ErrCodeDatabaseConnection, ErrCodeDatabaseQuery:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the JSON body written for failed requests
type HTTPErrorResponse struct {
	Error struct {
		Code      ErrorCode   `json:"code"`
		Message   string      `json:"message"`
		Retryable bool        `json:"retryable,omitempty"`
		Context   interface{} `json:"context,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	response := HTTPErrorResponse{
		RequestID: requestID,
	}

	appErr, ok := As(err)
	if !ok {
		response.Error.Code = ErrCodeInternalError
		response.Error.Message = GetUserMessage(err)
		return response
	}

	response.Error.Code = appErr.Code
	response.Error.Message = GetUserMessage(err)
	response.Error.Retryable = appErr.Retryable
	if len(appErr.Context) > 0 {
		publicContext := make(map[string]interface{})
		for k, v := range appErr.Context {
			// message content and secrets never leave the process
			if k != "content" && k != "secret" && k != "token" {
				publicContext[k] = v
			}
		}
		if len(publicContext) > 0 {
			response.Error.Context = publicContext
		}
	}
	return response
}
