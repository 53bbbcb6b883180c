package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmcleod/hostlink/internal/util"
	"github.com/jmcleod/hostlink/protocol"
)

// ValidateProof checks a resumption proof for session id. On success the
// pending challenge is consumed, LastUsed is set to now and the updated
// record is returned. Rejections are ErrExpired, ErrInvalidProof or
// ErrChallengeRequired; any other error is a storage fault.
//
// Checks run in a fixed order: session liveness, decryption and payload
// shape, challenge presence and match, then timestamp freshness. A client
// seeing ErrChallengeRequired should request a new challenge and retry.
func (s *Store) ValidateProof(ctx context.Context, id string, proof protocol.Proof) (Record, error) {
	if err := s.ready(); err != nil {
		return Record{}, err
	}
	rec, username, err := s.validate(ctx, id, proof)
	if err == nil {
		s.metrics.ProofValidated("ok")
		s.audit.log(ctx, AuditResumeSuccess, id, username)
		return rec, nil
	}
	reason, rejected := ReasonOf(err)
	if !rejected {
		return Record{}, err
	}
	s.metrics.ProofValidated(string(reason))
	s.audit.log(ctx, AuditResumeFailure, id, username, slog.String("reason", string(reason)))
	if reason == ReasonExpired {
		s.expire(ctx, id)
	}
	return Record{}, err
}

func (s *Store) validate(ctx context.Context, id string, proof protocol.Proof) (Record, string, error) {
	unlock := s.sessionLocks.Lock(id)
	defer unlock()

	now := s.now()
	e, ok := s.lookup(id)
	if !ok {
		return Record{}, "", ErrExpired
	}
	s.mu.RLock()
	snap := *e
	s.mu.RUnlock()
	if snap.expired(now, s.cfg) {
		return Record{}, snap.username, ErrExpired
	}

	key, err := snap.openKey()
	if err != nil {
		return Record{}, snap.username, err
	}
	defer util.WipeBytes(key)

	payload, err := protocol.OpenProof(proof, key)
	if err != nil {
		return Record{}, snap.username, ErrInvalidProof
	}
	if snap.challenge == "" {
		return Record{}, snap.username, ErrChallengeRequired
	}
	if payload.Challenge == nil || !util.EqualStrings(*payload.Challenge, snap.challenge) {
		return Record{}, snap.username, ErrChallengeRequired
	}
	if skew := now.Sub(payload.Time()); skew > s.cfg.MaxProofAge || skew < -s.cfg.MaxProofAge {
		return Record{}, snap.username, ErrInvalidProof
	}

	snap.challenge = ""
	snap.lastUsed = now
	if err := s.persistEntry(ctx, &snap, key); err != nil {
		return Record{}, snap.username, fmt.Errorf("persisting resume: %w", err)
	}

	s.mu.Lock()
	e.challenge = ""
	e.lastUsed = now
	s.mu.Unlock()
	return snap.toRecord(key), snap.username, nil
}
