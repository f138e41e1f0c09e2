package main

import (
	"errors"
	"net/http"
)

// apiError carries the HTTP status a handler-level failure should be
// reported with, following the teacher's writeError dispatch and the
// Rust original's Error enum -> status mapping.
type apiError struct {
	status int
	err    error
}

func (e *apiError) Error() string { return e.err.Error() }
func (e *apiError) Unwrap() error { return e.err }

func errConflict(err error) error   { return &apiError{http.StatusConflict, err} }
func errBadGateway(err error) error { return &apiError{http.StatusBadGateway, err} }
func errInternal(err error) error   { return &apiError{http.StatusInternalServerError, err} }

// statusOf extracts the status code to report for err, defaulting to
// 500 when err was not constructed via one of the helpers above.
func statusOf(err error) int {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.status
	}
	return http.StatusInternalServerError
}

var errRideNotFound = errors.New("ride not found")
