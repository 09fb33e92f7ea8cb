package audit

import (
	"context"
	"fmt"
	"sync"

	"execution_core/internal/core"
)

// MemorySink keeps records in process memory. Used by paper trading and tests.
type MemorySink struct {
	mu      sync.RWMutex
	records []core.AuditRecord
	closed  bool
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(ctx context.Context, rec core.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory sink closed")
	}
	if n := len(s.records); n > 0 && s.records[n-1].Sequence >= rec.Sequence {
		return fmt.Errorf("sequence %d already written", rec.Sequence)
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	s.records = append(s.records, rec)
	return nil
}

func (s *MemorySink) Last(ctx context.Context) (uint64, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return 0, "", nil
	}
	last := s.records[len(s.records)-1]
	return last.Sequence, last.Checksum, nil
}

func (s *MemorySink) Read(ctx context.Context, fromSeq uint64, limit int) ([]core.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.AuditRecord, 0, limit)
	for _, rec := range s.records {
		if rec.Sequence < fromSeq {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemorySink) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("memory sink closed")
	}
	return nil
}

func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len returns the number of stored records
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
