package persistence

import (
	"context"
	"testing"
)

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), PoolConfig{DSN: "  "}); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestOpenRejectsMalformedDSN(t *testing.T) {
	if _, err := Open(context.Background(), PoolConfig{DSN: "postgres://%zz"}); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestNilStoreIsSafe(t *testing.T) {
	var s *Store
	if s.Pool() != nil {
		t.Fatalf("expected nil pool")
	}
	s.Close()
	NewStore(nil).Close()
}
