package credential

import (
	"errors"
	"time"
)

// ErrTimeout is matched by errors caused by an expired or cancelled operation context.
var ErrTimeout = errors.New("operation timed out")

// Credential is a short-lived database password issued by the workspace identity.
// A refresh supersedes a Credential, it never mutates one.
type Credential struct {
	Token    string
	IssuedAt time.Time
	TTL      time.Duration
}

// Valid reports whether the credential can still be used at now.
func (c Credential) Valid(now time.Time) bool {
	return c.Token != "" && now.Sub(c.IssuedAt) < c.TTL
}

// String never prints the token.
func (c Credential) String() string {
	return "Credential{issued=" + c.IssuedAt.Format(time.RFC3339) + " ttl=" + c.TTL.String() + "}"
}

// CredentialError is returned when the identity exchange failed.
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string {
	return "credential refresh failed: " + e.Err.Error()
}

func (e *CredentialError) Unwrap() error { return e.Err }
