package core

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func BenchmarkStoreRecord(b *testing.B) {
	s, err := NewStore(filepath.Join(b.TempDir(), "history.db"))
	if err != nil {
		b.Fatalf("store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	now := time.Now()

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := s.Record(ctx, RunRecord{Backend: "webodm", Project: "bench", Status: RunCompleted, StartedAt: now, FinishedAt: now}); err != nil {
			b.Fatalf("record: %v", err)
		}
	}
}

func BenchmarkConfigDefaults(b *testing.B) {
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		cfg := DefaultConfig()
		cfg.fillDefaults()
		_ = cfg.Server.BaseURL()
	}
}
