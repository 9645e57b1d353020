// Package apierrors defines the machine-readable error codes returned in API error envelopes.
package apierrors

// Code is a stable, machine-readable error identifier. Clients switch on the code, never on the message.
type Code string

const (
	// Generic
	InternalError      Code = "INTERNAL_ERROR"
	ValidationError    Code = "VALIDATION_ERROR"
	NotFound           Code = "NOT_FOUND"
	RateLimited        Code = "RATE_LIMITED"
	ServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	InvalidBody        Code = "INVALID_BODY"

	// Auth
	Unauthorised Code = "UNAUTHORISED"
	TokenExpired Code = "TOKEN_EXPIRED"
	MissingScope Code = "MISSING_SCOPE"

	// Products
	InvalidProductID Code = "INVALID_PRODUCT_ID"
	InvalidImageID   Code = "INVALID_IMAGE_ID"
	UnknownImage     Code = "UNKNOWN_IMAGE"

	// Uploads
	PayloadTooLarge        Code = "PAYLOAD_TOO_LARGE"
	UnsupportedContentType Code = "UNSUPPORTED_CONTENT_TYPE"
	TooManyFiles           Code = "TOO_MANY_FILES"
	UploadFailed           Code = "UPLOAD_FAILED"
	InvalidImageURL        Code = "INVALID_IMAGE_URL"
)
