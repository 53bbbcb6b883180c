package session

import "errors"

// FailureReason classifies a rejected resumption proof.
type FailureReason string

const (
	// ReasonExpired: the session is absent or aged out.
	ReasonExpired FailureReason = "expired"
	// ReasonInvalidProof: the proof did not decrypt, was malformed, or its
	// timestamp is outside the allowed window.
	ReasonInvalidProof FailureReason = "invalid_proof"
	// ReasonChallengeRequired: no pending challenge, or the proof did not
	// echo the current one.
	ReasonChallengeRequired FailureReason = "challenge_required"
)

// ValidationError is returned by ValidateProof when a proof is rejected.
type ValidationError struct {
	Reason FailureReason
}

func (e *ValidationError) Error() string {
	return "resume rejected: " + string(e.Reason)
}

var (
	// ErrExpired is returned when the session is absent or expired.
	ErrExpired error = &ValidationError{Reason: ReasonExpired}
	// ErrInvalidProof is returned when a proof fails decryption, parsing or
	// the freshness window.
	ErrInvalidProof error = &ValidationError{Reason: ReasonInvalidProof}
	// ErrChallengeRequired is returned when the client must request a new
	// challenge.
	ErrChallengeRequired error = &ValidationError{Reason: ReasonChallengeRequired}

	// ErrNotInitialized is returned before Initialize and after Shutdown.
	ErrNotInitialized = errors.New("session store not initialized")
	// ErrInvalidKey is returned when a session key is not 32 bytes.
	ErrInvalidKey = errors.New("session key must be 32 bytes")
	// ErrInvalidUsername is returned for an empty username.
	ErrInvalidUsername = errors.New("username is required")
)

// ReasonOf extracts the failure reason from a validation error.
func ReasonOf(err error) (FailureReason, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason, true
	}
	return "", false
}
