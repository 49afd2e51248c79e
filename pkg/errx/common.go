package errx

// Common constructors for convenience.

// Internal creates an internal server error.
func Internal(message string) *Error { return New(message, TypeInternal) }

// Validation creates a validation error.
func Validation(message string) *Error { return New(message, TypeValidation) }

// NotFound creates a not found error.
func NotFound(message string) *Error { return New(message, TypeNotFound) }

// Unauthenticated creates an authentication error.
func Unauthenticated(message string) *Error { return New(message, TypeAuthentication) }

// Forbidden creates an authorization error.
func Forbidden(message string) *Error { return New(message, TypeAuthorization) }

// Conflict creates a conflict error.
func Conflict(message string) *Error { return New(message, TypeConflict) }

// RateLimited creates a rate-limit error.
func RateLimited(message string) *Error { return New(message, TypeRateLimited) }

// Dependency creates a dependency-unavailable error.
func Dependency(message string) *Error { return New(message, TypeDependency) }
