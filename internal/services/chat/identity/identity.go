// Package identity resolves the username a websocket connection acts as.
//
// The relay performs no authentication. Resolvers only read connection
// metadata, and connections without a usable name get an anonymous one.
package identity

import (
	"net/http"

	"github.com/Leesowon/chatting-server/internal/services/chat/domain"
	"github.com/google/uuid"
)

// QueryParam is the handshake query parameter read by Default.
const QueryParam = "username"

// AnonymousPrefix prefixes generated names.
const AnonymousPrefix = "anon-"

// Resolver maps a handshake request to a username.
type Resolver func(*http.Request) (string, bool)

// Default reads the username query parameter.
func Default() Resolver {
	return Query(QueryParam)
}

// Query reads the named query parameter.
func Query(param string) Resolver {
	return func(r *http.Request) (string, bool) {
		if r == nil || r.URL == nil {
			return "", false
		}
		return accept(r.URL.Query().Get(param))
	}
}

// Header reads the named request header, for deployments behind a proxy
// that has already identified the user.
func Header(name string) Resolver {
	return func(r *http.Request) (string, bool) {
		if r == nil {
			return "", false
		}
		return accept(r.Header.Get(name))
	}
}

// First returns the first name any resolver produces.
func First(resolvers ...Resolver) Resolver {
	return func(r *http.Request) (string, bool) {
		for _, resolve := range resolvers {
			if resolve == nil {
				continue
			}
			if name, ok := resolve(r); ok {
				return name, true
			}
		}
		return "", false
	}
}

// Resolve returns the connection's username, falling back to an anonymous name.
func Resolve(r *http.Request, resolver Resolver) string {
	if resolver == nil {
		resolver = Default()
	}
	if name, ok := resolver(r); ok {
		return name
	}
	return Anonymous()
}

// Anonymous generates a unique placeholder username.
func Anonymous() string {
	return AnonymousPrefix + uuid.NewString()
}

func accept(raw string) (string, bool) {
	name := domain.NormalizeName(raw)
	if !domain.ValidUsername(name) {
		return "", false
	}
	return name, true
}
