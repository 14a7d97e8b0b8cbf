package sync

import (
	"fmt"

	"github.com/matheus3301/imsync/internal/store"
)

// Action is a conflict resolution outcome.
type Action int

const (
	// AcceptRemote applies the remote version.
	AcceptRemote Action = iota
	// KeepLocal discards the remote change.
	KeepLocal
	// Replace stores Decision.Message verbatim.
	Replace
)

func (a Action) String() string {
	switch a {
	case AcceptRemote:
		return "accept_remote"
	case KeepLocal:
		return "keep_local"
	case Replace:
		return "replace"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Decision is returned by a Resolver.
type Decision struct {
	Action  Action
	Message *store.Message
}

// Conflict describes a remote edit of a message that still has an
// unconfirmed local change.
type Conflict struct {
	Local  *store.Message
	Remote *store.Message
	Event  store.SyncEvent
}

// Resolver decides between a local pending message and its remote edit.
type Resolver interface {
	Resolve(c Conflict) Decision
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(c Conflict) Decision

func (f ResolverFunc) Resolve(c Conflict) Decision { return f(c) }

// ServerWins always accepts the remote edit. It is the behavior of an
// engine without a resolver.
var ServerWins Resolver = ResolverFunc(func(Conflict) Decision { return Decision{Action: AcceptRemote} })

// ClientWins keeps the local edit; the outbox will push it later.
var ClientWins Resolver = ResolverFunc(func(Conflict) Decision { return Decision{Action: KeepLocal} })

// ResolverFor maps a strategy name ("server" or "client") to a resolver.
func ResolverFor(strategy string) (Resolver, error) {
	switch strategy {
	case "", "server":
		return ServerWins, nil
	case "client":
		return ClientWins, nil
	}
	return nil, fmt.Errorf("unknown conflict strategy %q", strategy)
}
