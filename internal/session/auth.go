package session

import (
	"context"
	"time"

	"github.com/111bobmoin/myLLMhoneynet/api/schemas"
)

// UserRecord is one configured decoy account.
type UserRecord struct {
	Passwords []string `json:"passwords"`
	Home      string   `json:"home"`
	MOTD      []string `json:"motd"`
}

// Authenticator applies one credential policy for one service.
type Authenticator struct {
	policy      schemas.CredentialPolicy
	users       map[string]UserRecord
	maxAttempts int
	baseDelay   time.Duration
}

// Decision is the outcome of one credential check.
type Decision struct {
	Accepted bool
	// CloseAfter tells the caller to drop the connection once the reply
	// for this attempt has been written.
	CloseAfter bool
	Home       string
	MOTD       []string
}

// NewAuthenticator builds a policy enforcer. maxAttempts bounds every
// policy; baseDelay seeds the growing delay of delay-then-fail.
func NewAuthenticator(policy schemas.CredentialPolicy, users map[string]UserRecord, maxAttempts int, baseDelay time.Duration) *Authenticator {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	return &Authenticator{policy: policy, users: users, maxAttempts: maxAttempts, baseDelay: baseDelay}
}

// MaxAttempts returns the attempt bound for prompt loops.
func (a *Authenticator) MaxAttempts() int { return a.maxAttempts }

// Check judges one credential pair. attempt is 1-based. The delay of the
// delay-then-fail policy is served here, honoring context cancellation.
func (a *Authenticator) Check(ctx context.Context, username, password string, attempt int) Decision {
	switch a.policy {
	case schemas.PolicyAcceptAll:
		home, motd := a.userProfile(username)
		return Decision{Accepted: true, Home: home, MOTD: motd}

	case schemas.PolicyDelayThenFail:
		delay := a.baseDelay * time.Duration(attempt)
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return Decision{CloseAfter: true}
		}
		return Decision{CloseAfter: attempt >= a.maxAttempts}

	default: // accept-listed
		if record, ok := a.users[username]; ok {
			for _, p := range record.Passwords {
				if p == password {
					home, motd := a.userProfile(username)
					return Decision{Accepted: true, Home: home, MOTD: motd}
				}
			}
		}
		return Decision{CloseAfter: attempt >= a.maxAttempts}
	}
}

func (a *Authenticator) userProfile(username string) (string, []string) {
	record, ok := a.users[username]
	if !ok || record.Home == "" {
		return "/", record.MOTD
	}
	return record.Home, record.MOTD
}

// AuthEvent describes one attempt for the event log.
func AuthEvent(username, password string, success bool) schemas.Event {
	return schemas.Event{
		Kind: schemas.EventAuthAttempt,
		Payload: map[string]any{
			"username": username,
			"password": password,
			"success":  success,
		},
	}
}
