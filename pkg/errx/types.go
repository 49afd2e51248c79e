package errx

// Type represents the category of error. The set mirrors the taxonomy the
// transport boundary maps to HTTP classes.
type Type string

const (
	// TypeValidation represents input validation failures.
	TypeValidation Type = "VALIDATION"

	// TypeAuthentication represents bad credentials, expired tokens, or
	// unknown sessions. Messages to callers stay generic; detail goes to
	// the audit log only.
	TypeAuthentication Type = "AUTHENTICATION"

	// TypeAuthorization represents policy denials.
	TypeAuthorization Type = "AUTHORIZATION"

	// TypeNotFound represents a missing entity.
	TypeNotFound Type = "NOT_FOUND"

	// TypeConflict represents uniqueness or state violations.
	TypeConflict Type = "CONFLICT"

	// TypeRateLimited represents an exhausted rate window.
	TypeRateLimited Type = "RATE_LIMITED"

	// TypeReuseDetected represents refresh-token reuse. Raising it implies
	// the session and its whole refresh family have been destroyed.
	TypeReuseDetected Type = "REUSE_DETECTED"

	// TypeDependency represents KV/DB/KMS/IdP timeouts or errors.
	TypeDependency Type = "DEPENDENCY_UNAVAILABLE"

	// TypeInternal represents logic errors.
	TypeInternal Type = "INTERNAL"
)

// String returns the string representation of the error type.
func (t Type) String() string { return string(t) }

// typeToHTTPStatus maps error types to HTTP status codes.
func typeToHTTPStatus(t Type) int {
	switch t {
	case TypeValidation:
		return 400
	case TypeAuthentication:
		return 401
	case TypeAuthorization:
		return 403
	case TypeNotFound:
		return 404
	case TypeConflict:
		return 409
	case TypeRateLimited:
		return 429
	case TypeReuseDetected:
		return 401
	case TypeDependency:
		return 503
	case TypeInternal:
		return 500
	default:
		return 500
	}
}
