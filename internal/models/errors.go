package models

import "errors"

var (
	ErrAuthentication    = errors.New("authentication failed")
	ErrUnsupportedEvent  = errors.New("unsupported event type")
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("not authorized")
	ErrBypassDisabled    = errors.New("emergency bypass is not enabled")
	ErrUnsupportedAction = errors.New("unsupported action")
	ErrInvalidReview     = errors.New("invalid review")
	ErrInvalidRequest    = errors.New("invalid request")
)
