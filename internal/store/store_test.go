package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/llm-meter/internal/store"
	"github.com/nulpointcorp/llm-meter/internal/store/storetest"
)

func TestHashKey_Deterministic(t *testing.T) {
	a := store.HashKey("sk-abc")
	b := store.HashKey("sk-abc")
	if a != b {
		t.Fatalf("hash not deterministic: %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
	if a == store.HashKey("sk-abd") {
		t.Fatal("different inputs produced the same hash")
	}
}

func TestIssueKey_StoresOnlyHash(t *testing.T) {
	s := storetest.New(t)
	u := storetest.User(t, s, "alice", "1")

	raw, key := storetest.Key(t, s, u)
	if len(raw) < 40 || raw[:3] != "sk-" {
		t.Fatalf("unexpected raw key %q", raw)
	}
	if key.KeyHash == raw {
		t.Fatal("raw token stored as hash")
	}
	if key.KeyPrefix != raw[:8] {
		t.Errorf("prefix = %q, want %q", key.KeyPrefix, raw[:8])
	}

	got, err := s.FindKeyByHash(context.Background(), store.HashKey(raw))
	if err != nil {
		t.Fatalf("FindKeyByHash: %v", err)
	}
	if got.User.ID != u.ID || got.User.Username != "alice" {
		t.Errorf("owning user not preloaded: %+v", got.User)
	}
}

func TestFindKeyByHash_NotFound(t *testing.T) {
	s := storetest.New(t)
	_, err := s.FindKeyByHash(context.Background(), store.HashKey("nope"))
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSettle_DebitsAndLogs(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	u := storetest.User(t, s, "bob", "0.01")

	err := s.Settle(ctx, &store.RequestLog{
		UserID:      u.ID,
		APIKeyID:    "k1",
		ModelUsed:   "m1",
		InputUnits:  100,
		OutputUnits: 50,
		TotalCost:   decimal.RequireFromString("0.0002"),
	})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}

	got, err := s.FindUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("FindUser: %v", err)
	}
	if want := decimal.RequireFromString("0.0098"); !got.Balance.Equal(want) {
		t.Errorf("balance = %s, want %s", got.Balance, want)
	}

	logs, err := s.ListRequestLogs(ctx, u.ID)
	if err != nil {
		t.Fatalf("ListRequestLogs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 log, got %d", len(logs))
	}
	if logs[0].ID == "" || logs[0].InputUnits != 100 || logs[0].OutputUnits != 50 {
		t.Errorf("unexpected log: %+v", logs[0])
	}
}

func TestSettle_BalanceArithmeticIsExact(t *testing.T) {
	cases := []struct {
		name    string
		balance string
		cost    string
		debits  int
		want    string
	}{
		{"tenths", "0.3", "0.1", 1, "0.2"},
		{"sub-nano price on a large balance", "1000000", "0.0000000123", 3, "999999.9999999631"},
		{"overdraw", "0.05", "0.0500000001", 1, "-0.0000000001"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := storetest.New(t)
			ctx := context.Background()
			u := storetest.User(t, s, "dave", tc.balance)
			cost := decimal.RequireFromString(tc.cost)

			for i := 0; i < tc.debits; i++ {
				err := s.Settle(ctx, &store.RequestLog{
					UserID:    u.ID,
					APIKeyID:  "k",
					ModelUsed: "m",
					TotalCost: cost,
				})
				if err != nil {
					t.Fatalf("Settle: %v", err)
				}
			}

			got, err := s.FindUser(ctx, u.ID)
			if err != nil {
				t.Fatalf("FindUser: %v", err)
			}
			if got.Balance.String() != tc.want {
				t.Errorf("balance = %s, want %s", got.Balance, tc.want)
			}

			logs, err := s.ListRequestLogs(ctx, u.ID)
			if err != nil {
				t.Fatalf("ListRequestLogs: %v", err)
			}
			for _, l := range logs {
				if l.TotalCost.String() != cost.String() {
					t.Errorf("logged cost = %s, want %s", l.TotalCost, cost)
				}
			}
		})
	}
}

func TestSettle_UnknownUserRollsBack(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	err := s.Settle(ctx, &store.RequestLog{
		UserID:    "ghost",
		APIKeyID:  "k",
		ModelUsed: "m",
		TotalCost: decimal.NewFromInt(1),
	})
	if !errors.Is(err, store.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	logs, err := s.ListRequestLogs(ctx, "ghost")
	if err != nil {
		t.Fatalf("ListRequestLogs: %v", err)
	}
	if len(logs) != 0 {
		t.Fatalf("log row written despite missing user: %d", len(logs))
	}
}

func TestSettle_ConcurrentDebitsAreAdditive(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	u := storetest.User(t, s, "carol", "1")

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Settle(ctx, &store.RequestLog{
				UserID:    u.ID,
				APIKeyID:  "k",
				ModelUsed: "m",
				TotalCost: decimal.RequireFromString("0.1"),
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Settle: %v", err)
		}
	}

	got, _ := s.FindUser(ctx, u.ID)
	if want := decimal.NewFromInt(-1); !got.Balance.Equal(want) {
		t.Errorf("balance = %s, want %s (overdraw is allowed)", got.Balance, want)
	}
	logs, _ := s.ListRequestLogs(ctx, u.ID)
	if len(logs) != n {
		t.Errorf("expected %d logs, got %d", n, len(logs))
	}
}

func TestListActiveModels_SkipsInactive(t *testing.T) {
	s := storetest.New(t)
	ep := storetest.Endpoint(t, s, "local", "http://localhost:1/v1")
	storetest.Model(t, s, "b-model", "b", "0", "0", func(m *store.Model) { m.EndpointID = &ep.ID })
	storetest.Model(t, s, "a-model", "a", "0", "0")
	storetest.Model(t, s, "off", "x", "0", "0", func(m *store.Model) { m.IsActive = false })

	got, err := s.ListActiveModels(context.Background())
	if err != nil {
		t.Fatalf("ListActiveModels: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 active models, got %d", len(got))
	}
	if got[0].ID != "a-model" || got[1].ID != "b-model" {
		t.Errorf("unexpected order: %s, %s", got[0].ID, got[1].ID)
	}
	if got[0].Endpoint != nil {
		t.Error("a-model should have no endpoint")
	}
	if got[1].Endpoint == nil || got[1].Endpoint.Name != "local" {
		t.Errorf("b-model endpoint not preloaded: %+v", got[1].Endpoint)
	}
}
