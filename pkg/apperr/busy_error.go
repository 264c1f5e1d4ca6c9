package apperr

import "net/http"

// BusyError signals that a single-flight resource is already in use and the
// caller should retry later.
type BusyError string

func (err BusyError) Error() string {
	return string(err)
}

func (err BusyError) ErrCode() string {
	return "BUSY_ERROR"
}

func (err BusyError) StatusCode() int {
	return http.StatusConflict
}
