package provider

import "errors"

// Failure taxonomy for provider calls. Every method fails with an error
// wrapping exactly one of these; callers branch with errors.Is. No retries
// happen at this layer.
var (
	// ErrAuth means the API key or security token was rejected. Fatal for
	// the caller, retrying cannot help.
	ErrAuth = errors.New("provider: authentication failed")
	// ErrRateLimited means the gateway asked us to back off.
	ErrRateLimited = errors.New("provider: rate limited")
	// ErrMalformed means the gateway answered with something we could not
	// decode. Callers treat the call as a zero-result page.
	ErrMalformed = errors.New("provider: malformed response")
	// ErrUnreachable covers transport failures and timeouts. A timed-out
	// call is unreachable, never "maybe completed".
	ErrUnreachable = errors.New("provider: unreachable")
)
