package registry

import (
	"context"
	"testing"
	"time"
)

func TestRegisterPreservesRegisteredAt(t *testing.T) {
	t.Parallel()

	r := New()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }
	ctx := context.Background()

	if err := r.Register(ctx, Registration{ClientID: "c1", RoomName: "Кухня"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	first, _ := r.Get("c1")

	clock = clock.Add(10 * time.Minute)
	if err := r.Register(ctx, Registration{ClientID: "c1", RoomName: "Кухня"}); err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	second, _ := r.Get("c1")

	if !second.RegisteredAt.Equal(first.RegisteredAt) {
		t.Errorf("RegisteredAt changed on re-register: %v -> %v", first.RegisteredAt, second.RegisteredAt)
	}
	if got, want := second.LastSeen, first.LastSeen.Add(10*time.Minute); !got.Equal(want) {
		t.Errorf("LastSeen = %v, want %v", got, want)
	}
}

func TestCleanupTTLBoundary(t *testing.T) {
	t.Parallel()

	r := New(WithTTL(time.Hour))
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }
	ctx := context.Background()

	if err := r.Register(ctx, Registration{ClientID: "c1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Exactly at the TTL the client survives; expiry is strict.
	if n := r.CleanupExpired(ctx, base.Add(time.Hour)); n != 0 {
		t.Errorf("client removed exactly at the TTL: %d", n)
	}
	if n := r.CleanupExpired(ctx, base.Add(time.Hour+time.Nanosecond)); n != 1 {
		t.Errorf("client not removed past the TTL: %d", n)
	}
}
