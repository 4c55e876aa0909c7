package errs

// Gateway error taxonomy. Codes are stable wire values: clients key retry
// behavior off them, so never renumber.
const (
	ServerInternalError = 500

	AuthenticationFailureCode = 1101 // handshake rejected, need a fresh token
	ValidationFailureCode     = 1201 // malformed envelope, correct and resend
	PersistenceFailureCode    = 1301 // transient, retry with same client_msg_id
	RateLimitedCode           = 1401 // throttled, honor retry_after_ms
)

var (
	ErrInternalServer = NewCodeError(ServerInternalError, "server internal error")

	ErrAuthenticationFailed = NewCodeError(AuthenticationFailureCode, "authentication failed")
	ErrValidation           = NewCodeError(ValidationFailureCode, "invalid envelope")
	ErrPersistence          = NewCodeError(PersistenceFailureCode, "message store unavailable")
	ErrRateLimited          = NewCodeError(RateLimitedCode, "rate limited")
)
