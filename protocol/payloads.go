package protocol

// Error codes carried in ErrorPayload.Code.
const (
	// CodeUnknownUsername: the relay has no record of the username.
	CodeUnknownUsername = "unknown_username"
	// CodeServerOffline: the username was registered but its host is not connected.
	CodeServerOffline = "server_offline"
	// CodeUsernameTaken: another live host already holds the username.
	CodeUsernameTaken = "username_taken"
	// CodeNotPaired: a forwarded frame arrived before connect succeeded.
	CodeNotPaired = "not_paired"
	// CodeBadEnvelope: the frame failed structural validation.
	CodeBadEnvelope = "bad_envelope"
	// CodeBadPayload: the payload did not match its type.
	CodeBadPayload = "bad_payload"
	// CodeUnsupported: the receiver does not handle this type.
	CodeUnsupported = "unsupported"
	// CodeInternal: the receiver failed while handling the frame.
	CodeInternal = "internal"
)

// RegisterPayload is sent by a host to claim a relay username.
type RegisterPayload struct {
	Username string `json:"username"`
}

// RegisteredPayload confirms the normalized username the host holds.
type RegisteredPayload struct {
	Username string `json:"username"`
}

// ConnectPayload is sent by a client to pair with a host.
type ConnectPayload struct {
	Username string `json:"username"`
}

// ConnectedPayload confirms pairing. LinkID is the relay's id for the
// client link, the value hosts see in Envelope.Peer.
type ConnectedPayload struct {
	Username string `json:"username"`
	LinkID   string `json:"link_id"`
}

// ChallengeRequestPayload asks for a challenge bound to SessionID.
type ChallengeRequestPayload struct {
	SessionID string `json:"session_id"`
}

// ChallengePayload carries an issued challenge. Found is false when the
// session is absent or expired; Challenge is then empty.
type ChallengePayload struct {
	SessionID string `json:"session_id"`
	Found     bool   `json:"found"`
	Challenge string `json:"challenge,omitempty"`
}

// ResumePayload submits a proof for SessionID.
type ResumePayload struct {
	SessionID string `json:"session_id"`
	Proof     Proof  `json:"proof"`
}

// ResumeResultPayload is the host's verdict. Reason is one of the session
// failure reasons when OK is false. On success Confirmation is the proof
// nonce sealed back under the session key (see NewConfirmation).
type ResumeResultPayload struct {
	OK           bool   `json:"ok"`
	Reason       string `json:"reason,omitempty"`
	Username     string `json:"username,omitempty"`
	Confirmation *Proof `json:"confirmation,omitempty"`
}

// PeerClosedPayload names a client link that disconnected.
type PeerClosedPayload struct {
	LinkID string `json:"link_id"`
}

// ErrorPayload describes a failure.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
