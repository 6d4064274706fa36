package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/discochess/pitfall/internal/store"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	s := New()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}

	data := []byte("value")
	if err := s.Put(ctx, "k", data); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	data[0] = 'X'

	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "value" {
		t.Errorf("Get() = %q, want %q", got, "value")
	}
	got[0] = 'Y'
	if again, _ := s.Get(ctx, "k"); string(again) != "value" {
		t.Errorf("Get() returned shared storage: %q", again)
	}

	if gets, puts := s.Calls(); gets != 3 || puts != 1 {
		t.Errorf("Calls() = %d, %d, want 3, 1", gets, puts)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestStore_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New()
	if err := s.Put(ctx, "k", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Put() error = %v, want context.Canceled", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, context.Canceled) {
		t.Errorf("Get() error = %v, want context.Canceled", err)
	}
}
