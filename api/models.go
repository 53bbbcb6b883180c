package api

import "time"

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse reports whether the session store is serving.
type HealthResponse struct {
	Status string `json:"status"`
}

// IssueSessionRequest asks for a new resumable session.
type IssueSessionRequest struct {
	Username string `json:"username"`
}

// IssueSessionResponse carries the session id and its hex-encoded key. The
// key is shown exactly once.
type IssueSessionResponse struct {
	SessionID string `json:"session_id"`
	Username  string `json:"username"`
	Key       string `json:"key"`
}

// SessionResponse describes a live session without its key.
type SessionResponse struct {
	SessionID        string    `json:"session_id"`
	Username         string    `json:"username"`
	CreatedAt        time.Time `json:"created_at"`
	LastUsed         time.Time `json:"last_used"`
	PendingChallenge bool      `json:"pending_challenge"`
}

// SessionCountResponse reports the live sessions for a user.
type SessionCountResponse struct {
	Username string `json:"username"`
	Count    int    `json:"count"`
}

// InvalidateResponse reports how many live sessions were revoked.
type InvalidateResponse struct {
	Username string `json:"username"`
	Removed  int    `json:"removed"`
}
