package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// API Specific Errors
	ErrAPIUnavailable   = errors.New("remote API is unavailable")
	ErrConnectionFailed = errors.New("failed to connect to the remote API")
	ErrRateLimited      = errors.New("API rate limit exceeded")
	ErrRetriesExhausted = errors.New("retry budget exhausted")
	ErrMalformedRecord  = errors.New("malformed record")

	// Storage Specific Errors
	ErrNoData               = errors.New("no stored data")
	ErrWriteFailed          = errors.New("atomic file write failed")
	ErrReadFailed           = errors.New("stored file could not be read")
	ErrCheckpointRegression = errors.New("checkpoint would move backwards")

	// Integrity Errors
	ErrNotInManifest = errors.New("file not registered in manifest")
	ErrHashMismatch  = errors.New("content hash mismatch")
	ErrSizeMismatch  = errors.New("file size mismatch")

	// Database Specific Errors
	ErrDBConnection = errors.New("database connection error")
	ErrQueryFailed  = errors.New("database query failed")
)
