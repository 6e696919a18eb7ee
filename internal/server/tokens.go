// Package server implements the static token registry that maps connection
// tokens to client names.
package server

import "sort"

// TokenRegistry is the immutable token -> client name table loaded from
// configuration at startup. It is read-only after construction and therefore
// safe for concurrent lookups from every session without locking. Changing
// the table requires a process restart.
type TokenRegistry struct {
	names map[string]string
}

// NewTokenRegistry builds a registry from a token -> name table. The input
// map is copied; later mutations of the argument do not affect the registry.
func NewTokenRegistry(clients map[string]string) *TokenRegistry {
	names := make(map[string]string, len(clients))
	for token, name := range clients {
		names[token] = name
	}
	return &TokenRegistry{names: names}
}

// Lookup resolves a token to its registered client name.
func (t *TokenRegistry) Lookup(token string) (string, bool) {
	name, ok := t.names[token]
	return name, ok
}

// Authenticate resolves a token and checks it against an optionally declared
// name. It returns ErrUnknownToken for an unregistered token and
// ErrNameMismatch when declared is non-empty and differs from the registered
// name. Declaring no name accepts whatever name the token maps to.
func (t *TokenRegistry) Authenticate(token, declared string) (string, error) {
	name, ok := t.names[token]
	if !ok {
		return "", ErrUnknownToken
	}
	if declared != "" && declared != name {
		return "", ErrNameMismatch
	}
	return name, nil
}

// Len reports the number of registered tokens.
func (t *TokenRegistry) Len() int {
	return len(t.names)
}

// Names returns the sorted set of client names the table knows about, for
// startup logging.
func (t *TokenRegistry) Names() []string {
	seen := make(map[string]struct{}, len(t.names))
	names := make([]string, 0, len(t.names))
	for _, name := range t.names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
