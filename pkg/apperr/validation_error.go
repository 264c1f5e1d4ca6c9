package apperr

import "net/http"

// ValidationError rejects malformed input synchronously; nothing is persisted.
type ValidationError string

func (err ValidationError) Error() string {
	return string(err)
}

func (err ValidationError) ErrCode() string {
	return "VALIDATION_ERROR"
}

func (err ValidationError) StatusCode() int {
	return http.StatusUnprocessableEntity
}
