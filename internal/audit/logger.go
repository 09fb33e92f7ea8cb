// Package audit implements the append-only, sequenced, hash-chained audit log
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"iter"
	"strconv"
	"sync"
	"time"

	"execution_core/internal/core"
	apperrors "execution_core/pkg/errors"
	"execution_core/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const defaultReplayPage = 256

// Logger assigns sequence numbers under a single mutex and appends to a sink.
// A failed append consumes no sequence number, so the log stays gap-free.
type Logger struct {
	mu       sync.Mutex
	sink     core.IAuditSink
	lastSeq  uint64
	lastHash string

	now         func() time.Time
	logger      core.ILogger
	subscribers []func(core.AuditRecord)
	subMu       sync.RWMutex

	records metric.Int64Counter
	metrics *telemetry.MetricsHolder
}

// NewLogger resumes from the sink's persisted high-water mark
func NewLogger(ctx context.Context, sink core.IAuditSink, logger core.ILogger) (*Logger, error) {
	lastSeq, lastHash, err := sink.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit high-water mark: %w", err)
	}

	records, _ := telemetry.GetMeter("audit").Int64Counter(telemetry.MetricAuditRecords,
		metric.WithDescription("Audit records appended by kind"))

	l := &Logger{
		sink:     sink,
		lastSeq:  lastSeq,
		lastHash: lastHash,
		now:      time.Now,
		logger:   logger.WithField("component", "audit_logger"),
		records:  records,
		metrics:  telemetry.GetGlobalMetrics(),
	}
	l.metrics.SetAuditSequence(lastSeq)
	l.logger.Info("Audit log opened", "high_water_mark", lastSeq)
	return l, nil
}

// WithClock swaps the timestamp source
func (l *Logger) WithClock(now func() time.Time) *Logger {
	l.now = now
	return l
}

// Subscribe registers fn to observe each committed record. fn runs under the
// append lock and must not block or call back into the logger.
func (l *Logger) Subscribe(fn func(core.AuditRecord)) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.subscribers = append(l.subscribers, fn)
}

// Record appends entity as a record of kind and returns its sequence number.
func (l *Logger) Record(ctx context.Context, kind core.AuditKind, entity interface{}) (uint64, error) {
	payload, err := json.Marshal(entity)
	if err != nil {
		return 0, &apperrors.AuditWriteFailure{Kind: string(kind), Err: fmt.Errorf("marshal payload: %w", err)}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := core.AuditRecord{
		Sequence:     l.lastSeq + 1,
		Timestamp:    l.now().UTC(),
		Kind:         kind,
		Payload:      payload,
		PrevChecksum: l.lastHash,
	}
	rec.Checksum = Checksum(rec)

	if err := l.sink.Append(ctx, rec); err != nil {
		l.logger.Error("Audit append failed", "kind", kind, "sequence", rec.Sequence, "error", err)
		return 0, &apperrors.AuditWriteFailure{Kind: string(kind), Err: err}
	}

	l.lastSeq = rec.Sequence
	l.lastHash = rec.Checksum
	l.records.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	l.metrics.SetAuditSequence(rec.Sequence)

	l.subMu.RLock()
	for _, fn := range l.subscribers {
		fn(rec)
	}
	l.subMu.RUnlock()

	return rec.Sequence, nil
}

// LastSequence returns the last committed sequence number
func (l *Logger) LastSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Replay lazily yields records with Sequence >= fromSeq in order, paging through the sink.
// Iteration stops at the first read error, which is yielded once.
func (l *Logger) Replay(ctx context.Context, fromSeq uint64) iter.Seq2[core.AuditRecord, error] {
	return func(yield func(core.AuditRecord, error) bool) {
		next := fromSeq
		if next == 0 {
			next = 1
		}
		for {
			if err := ctx.Err(); err != nil {
				yield(core.AuditRecord{}, err)
				return
			}
			page, err := l.sink.Read(ctx, next, defaultReplayPage)
			if err != nil {
				yield(core.AuditRecord{}, fmt.Errorf("audit replay from %d: %w", next, err))
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
				next = rec.Sequence + 1
			}
			if len(page) < defaultReplayPage {
				return
			}
		}
	}
}

// Verify walks the whole chain and returns the number of records checked.
// It fails on the first gap, reordering or checksum mismatch.
func (l *Logger) Verify(ctx context.Context) (uint64, error) {
	var (
		expected uint64 = 1
		prevHash string
	)
	for rec, err := range l.Replay(ctx, 1) {
		if err != nil {
			return expected - 1, err
		}
		if rec.Sequence != expected {
			return expected - 1, &apperrors.InvariantViolation{Symbol: "audit", Detail: fmt.Sprintf("sequence gap: expected %d, found %d", expected, rec.Sequence)}
		}
		if rec.PrevChecksum != prevHash {
			return expected - 1, &apperrors.InvariantViolation{Symbol: "audit", Detail: fmt.Sprintf("broken chain at %d", rec.Sequence)}
		}
		if Checksum(rec) != rec.Checksum {
			return expected - 1, &apperrors.InvariantViolation{Symbol: "audit", Detail: fmt.Sprintf("checksum mismatch at %d", rec.Sequence)}
		}
		prevHash = rec.Checksum
		expected++
	}
	return expected - 1, nil
}

// Ping checks that the sink is reachable
func (l *Logger) Ping(ctx context.Context) error {
	return l.sink.Ping(ctx)
}

// Close closes the underlying sink
func (l *Logger) Close() error {
	return l.sink.Close()
}

// Checksum hashes a record's content together with its predecessor's checksum
func Checksum(rec core.AuditRecord) string {
	h := sha256.New()
	h.Write([]byte(rec.PrevChecksum))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(rec.Sequence, 10)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(rec.Timestamp.UnixNano(), 10)))
	h.Write([]byte{0})
	h.Write([]byte(rec.Kind))
	h.Write([]byte{0})
	h.Write(rec.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Decode unmarshals a record payload into v
func Decode(rec core.AuditRecord, v interface{}) error {
	if err := json.Unmarshal(rec.Payload, v); err != nil {
		return fmt.Errorf("decode %s record %d: %w", rec.Kind, rec.Sequence, err)
	}
	return nil
}
