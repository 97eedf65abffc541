// Package storetest builds throwaway credential stores for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/llm-meter/internal/store"
)

// New opens a fresh SQLite store in t.TempDir and closes it on cleanup.
func New(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("storetest: open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// User creates an active user with the given balance.
func User(t testing.TB, s *store.Store, name, balance string) *store.User {
	t.Helper()
	u := &store.User{
		Username: name,
		Balance:  decimal.RequireFromString(balance),
		IsActive: true,
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("storetest: %v", err)
	}
	return u
}

// Key issues an active key for u and returns the raw token with the record.
func Key(t testing.TB, s *store.Store, u *store.User, mutate ...func(*store.APIKey)) (string, *store.APIKey) {
	t.Helper()
	k := &store.APIKey{UserID: u.ID, Name: "test", IsActive: true}
	for _, m := range mutate {
		m(k)
	}
	raw, err := s.IssueKey(context.Background(), k)
	if err != nil {
		t.Fatalf("storetest: %v", err)
	}
	return raw, k
}

// Model creates an active model priced at priceIn/priceOut per unit.
func Model(t testing.TB, s *store.Store, id, providerName, priceIn, priceOut string, mutate ...func(*store.Model)) *store.Model {
	t.Helper()
	m := &store.Model{
		ID:           id,
		ProviderName: providerName,
		PriceIn:      decimal.RequireFromString(priceIn),
		PriceOut:     decimal.RequireFromString(priceOut),
		IsActive:     true,
	}
	for _, fn := range mutate {
		fn(m)
	}
	if err := s.CreateModel(context.Background(), m); err != nil {
		t.Fatalf("storetest: %v", err)
	}
	return m
}

// Endpoint creates an active endpoint.
func Endpoint(t testing.TB, s *store.Store, name, baseURL string, mutate ...func(*store.Endpoint)) *store.Endpoint {
	t.Helper()
	e := &store.Endpoint{Name: name, BaseURL: baseURL, IsActive: true}
	for _, fn := range mutate {
		fn(e)
	}
	if err := s.CreateEndpoint(context.Background(), e); err != nil {
		t.Fatalf("storetest: %v", err)
	}
	return e
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
