// Package auth resolves bearer tokens into principals.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-meter/internal/store"
)

// Kind classifies an authentication failure.
type Kind int

const (
	KindMissing Kind = iota + 1
	KindMalformed
	KindUnknown
	KindKeyInactive
	KindUserInactive
)

func (k Kind) String() string {
	switch k {
	case KindMissing:
		return "missing_api_key"
	case KindMalformed:
		return "malformed_api_key"
	case KindUnknown:
		return "invalid_api_key"
	case KindKeyInactive:
		return "key_inactive"
	case KindUserInactive:
		return "user_inactive"
	default:
		return "unknown"
	}
}

// Error is returned by Resolve for every rejected credential.
type Error struct {
	Kind Kind
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindMissing:
		return "missing Authorization header"
	case KindMalformed:
		return "Authorization header must be 'Bearer <token>'"
	case KindUnknown:
		return "invalid API key"
	case KindKeyInactive:
		return "API key is disabled"
	case KindUserInactive:
		return "account is suspended"
	default:
		return "authentication failed"
	}
}

// HTTPStatus is 401 when the caller did not present a usable key and 403
// when the key is known but not allowed.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindKeyInactive, KindUserInactive:
		return fasthttp.StatusForbidden
	default:
		return fasthttp.StatusUnauthorized
	}
}

// Principal is an authenticated API key with its owning user.
type Principal struct {
	Key  *store.APIKey
	User *store.User
}

// KeyStore is the lookup Resolve needs from the credential store.
type KeyStore interface {
	FindKeyByHash(ctx context.Context, hash string) (*store.APIKey, error)
}

type Resolver struct {
	keys KeyStore
}

func NewResolver(keys KeyStore) *Resolver {
	return &Resolver{keys: keys}
}

// Resolve validates an Authorization header value. The token is hashed
// before lookup; the raw secret never reaches the store.
func (r *Resolver) Resolve(ctx context.Context, header string) (*Principal, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, &Error{Kind: KindMissing}
	}

	token, ok := parseBearer(header)
	if !ok {
		return nil, &Error{Kind: KindMalformed}
	}

	key, err := r.keys.FindKeyByHash(ctx, store.HashKey(token))
	if errors.Is(err, store.ErrNotFound) {
		return nil, &Error{Kind: KindUnknown}
	}
	if err != nil {
		return nil, fmt.Errorf("auth: lookup key: %w", err)
	}

	if !key.IsActive {
		return nil, &Error{Kind: KindKeyInactive}
	}
	if !key.User.IsActive {
		return nil, &Error{Kind: KindUserInactive}
	}

	user := key.User
	return &Principal{Key: key, User: &user}, nil
}

func parseBearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}
	return token, true
}
