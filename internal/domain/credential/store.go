package credential

import "context"

// Store persists the single Credential record. Implementations back it with
// an external key-value store; the TokenManager is the only writer of the
// token fields once connected.
type Store interface {
	// Load returns the stored credential. A never-connected installation
	// returns a zero credential (possibly with the client pair set), not an
	// error.
	Load(ctx context.Context) (*Credential, error)
	// Save atomically overwrites the stored credential.
	Save(ctx context.Context, cred *Credential) error
	// Clear removes every persisted credential field together.
	Clear(ctx context.Context) error
}
