// Package session is the server side of session resumption.
//
// A Store holds resumable sessions keyed by an opaque id and grouped by
// username. It issues single-use resume challenges and validates proofs
// sealed with the session key. Every mutation is written to the backing
// storage.Repository before it becomes visible in memory, so a crash can
// neither resurrect a deleted session nor lose one whose id was returned.
//
// Lookups never fail for absent or expired sessions; they report
// (zero, false). Validation failures are *ValidationError values carrying
// a FailureReason. Only storage faults surface as plain errors.
package session
