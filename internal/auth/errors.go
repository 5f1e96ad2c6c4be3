package auth

import "errors"

var (
	ErrInvalidToken  = errors.New("auth: invalid token")
	ErrMissingSecret = errors.New("auth: secret is not configured")
	ErrWeakSecret    = errors.New("auth: secret must be at least 16 bytes")
)
