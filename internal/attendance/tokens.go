package attendance

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"
)

// tokenBytes is the entropy of a rolling token. 256 bits keeps guessing
// infeasible within any validity window.
const tokenBytes = 32

// Tokens issues and looks up rolling tokens. Callers serialize mutations per
// session; Tokens itself holds no locks.
type Tokens struct {
	env   *env
	store TokenStore
}

// Issue creates a new active token for s, deactivating any previously active
// token of the session in the same write. The caller audits the issue once
// it has released the session lock.
func (t *Tokens) Issue(ctx context.Context, s Session) (Token, error) {
	const op = "issue token"

	value, err := newTokenValue()
	if err != nil {
		return Token{}, internal(op, err)
	}
	validity := s.TokenValidity
	if validity <= 0 {
		validity = DefaultTokenValidity
	}
	now := t.env.clock.Now()
	tok := Token{
		Value:     value,
		SessionID: s.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(validity),
		Active:    true,
	}
	if err := t.store.ReplaceActive(ctx, tok); err != nil {
		return Token{}, internal(op, err)
	}

	t.env.observer.TokenIssued()
	return tok, nil
}

func (t *Tokens) auditIssue(ctx context.Context, tok Token) {
	t.env.audit(ctx, AuditEvent{Kind: AuditTokenIssue, SessionID: tok.SessionID, Outcome: "ok"})
}

// ActiveToken returns the session's active token if it is still valid at now,
// or nil.
func (t *Tokens) ActiveToken(ctx context.Context, sessionID string, now time.Time) (*Token, error) {
	tok, err := t.store.ActiveToken(ctx, sessionID)
	if err != nil {
		return nil, internal("active token", err)
	}
	if tok == nil || !tok.ValidAt(now) {
		return nil, nil
	}
	return tok, nil
}

// Lookup returns the token with the given value, active or not, or nil.
func (t *Tokens) Lookup(ctx context.Context, value string) (*Token, error) {
	tok, err := t.store.LookupToken(ctx, value)
	if err != nil {
		return nil, internal("lookup token", err)
	}
	return tok, nil
}

// DeactivateAll retires every token of the session.
func (t *Tokens) DeactivateAll(ctx context.Context, sessionID string) error {
	if err := t.store.DeactivateTokens(ctx, sessionID); err != nil {
		return internal("deactivate tokens", err)
	}
	return nil
}

func newTokenValue() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
