// Package service implements the business logic between handlers and the
// store and provider layers.
package service

import "errors"

var (
	// ErrInvalidInput covers malformed or missing request fields.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInstanceNotRunning is returned for operations requiring a running
	// agent.
	ErrInstanceNotRunning = errors.New("instance is not running")

	// ErrPlanLimitReached is returned when creating an instance would
	// exceed the subscription's instance limit.
	ErrPlanLimitReached = errors.New("plan instance limit reached")

	// ErrUnsupportedFileType is returned for uploads with a disallowed
	// content type.
	ErrUnsupportedFileType = errors.New("unsupported file type")

	// ErrIntegrationNotConnected is returned when an instance binding is
	// requested for an integration the user has not connected.
	ErrIntegrationNotConnected = errors.New("integration not connected")
)
