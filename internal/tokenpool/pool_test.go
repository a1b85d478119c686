package tokenpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRoundRobin(t *testing.T) {
	p := New([]string{"a", "b", "c"}, nil)
	ctx := context.Background()

	seen := make(map[string]int)
	for i := 0; i < 3; i++ {
		token, err := p.GetToken(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen[token]++
	}
	for _, token := range []string{"a", "b", "c"} {
		if seen[token] != 1 {
			t.Fatalf("token %q returned %d times in one rotation", token, seen[token])
		}
	}

	// The next rotation repeats in the same order.
	token, _ := p.GetToken(ctx)
	if token != "a" {
		t.Fatalf("expected rotation to restart at %q, got %q", "a", token)
	}
}

func TestFailureDemotion(t *testing.T) {
	p := New([]string{"bad", "good"}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p.ReportFailure("bad")
	}
	for i := 0; i < 6; i++ {
		token, err := p.GetToken(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if token == "bad" {
			t.Fatal("demoted credential was selected while a valid one exists")
		}
	}

	// Success resets the failure state.
	p.ReportSuccess("bad")
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		token, _ := p.GetToken(ctx)
		seen[token] = true
	}
	if !seen["bad"] {
		t.Fatal("recovered credential never selected")
	}
}

func TestAnonymousFallback(t *testing.T) {
	var fetches atomic.Int64
	fetch := func(ctx context.Context) (string, error) {
		return fmt.Sprintf("anon-%d", fetches.Add(1)), nil
	}
	p := New(nil, fetch)
	now := time.Unix(1700000000, 0)
	p.now = func() time.Time { return now }
	ctx := context.Background()

	token, err := p.GetToken(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "anon-1" {
		t.Fatalf("expected first anonymous token, got %q", token)
	}
	if !p.IsAnonymous(token) {
		t.Fatal("IsAnonymous returned false for the anonymous token")
	}

	// Within the TTL the cached token is reused.
	token, _ = p.GetToken(ctx)
	if token != "anon-1" || fetches.Load() != 1 {
		t.Fatalf("cache miss within TTL: token=%q fetches=%d", token, fetches.Load())
	}

	// After the TTL a fresh token is fetched.
	now = now.Add(anonymousTTL + time.Minute)
	token, _ = p.GetToken(ctx)
	if token != "anon-2" {
		t.Fatalf("expected refreshed token, got %q", token)
	}
}

func TestAnonymousAfterAllDemoted(t *testing.T) {
	fetch := func(ctx context.Context) (string, error) { return "anon", nil }
	p := New([]string{"a"}, fetch)
	for i := 0; i < 3; i++ {
		p.ReportFailure("a")
	}
	token, err := p.GetToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "anon" {
		t.Fatalf("expected anonymous fallback, got %q", token)
	}
	if p.IsAnonymous("a") {
		t.Fatal("configured token misreported as anonymous")
	}
}

func TestTokenExhausted(t *testing.T) {
	p := New(nil, nil)
	if _, err := p.GetToken(context.Background()); !errors.Is(err, ErrTokenExhausted) {
		t.Fatalf("expected ErrTokenExhausted, got %v", err)
	}

	failing := New(nil, func(ctx context.Context) (string, error) {
		return "", errors.New("upstream down")
	})
	if _, err := failing.GetToken(context.Background()); !errors.Is(err, ErrTokenExhausted) {
		t.Fatalf("expected ErrTokenExhausted from failing fetch, got %v", err)
	}
}

func TestAnonymousSingleFlight(t *testing.T) {
	var fetches atomic.Int64
	release := make(chan struct{})
	fetch := func(ctx context.Context) (string, error) {
		fetches.Add(1)
		<-release
		return "anon", nil
	}
	p := New(nil, fetch)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.GetToken(context.Background()); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	// Give the goroutines time to pile onto the in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if fetches.Load() != 1 {
		t.Fatalf("expected one coalesced fetch, got %d", fetches.Load())
	}
}

func TestSetTokensPreservesState(t *testing.T) {
	p := New([]string{"a", "b"}, nil)
	for i := 0; i < 3; i++ {
		p.ReportFailure("a")
	}
	p.SetTokens([]string{"a", "c"})

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		token, err := p.GetToken(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if token == "a" {
			t.Fatal("demoted credential state lost across reload")
		}
	}
	if p.Size() != 2 {
		t.Fatalf("expected 2 credentials, got %d", p.Size())
	}
}
