package session

import (
	"context"
	"fmt"

	"github.com/jmcleod/hostlink/internal/util"
)

const challengeBytes = 32

// GenerateResumeChallenge issues a fresh challenge for a live session and
// returns it. Any earlier unconsumed challenge stops being valid. found is
// false when the session is absent or expired.
func (s *Store) GenerateResumeChallenge(ctx context.Context, id string) (challenge string, found bool, err error) {
	if err := s.ready(); err != nil {
		return "", false, err
	}
	unlock := s.sessionLocks.Lock(id)
	e, ok := s.lookup(id)
	if !ok {
		unlock()
		return "", false, nil
	}
	if e.expired(s.now(), s.cfg) {
		unlock()
		s.expire(ctx, id)
		return "", false, nil
	}
	defer unlock()

	challenge, err = util.RandomHex(challengeBytes)
	if err != nil {
		return "", false, fmt.Errorf("generating challenge: %w", err)
	}
	key, err := e.openKey()
	if err != nil {
		return "", false, err
	}
	defer util.WipeBytes(key)

	s.mu.RLock()
	next := *e
	s.mu.RUnlock()
	next.challenge = challenge
	if err := s.persistEntry(ctx, &next, key); err != nil {
		return "", false, fmt.Errorf("persisting challenge: %w", err)
	}

	s.mu.Lock()
	e.challenge = challenge
	s.mu.Unlock()

	s.metrics.ChallengeIssued()
	s.audit.log(ctx, AuditChallengeIssued, id, e.username)
	return challenge, true, nil
}
