package liveserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"execution_core/internal/core"
	"execution_core/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// droppable lets a test sever every open feed connection
type droppable struct {
	next    http.Handler
	mu      sync.Mutex
	cancels []context.CancelFunc
}

func (d *droppable) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	d.mu.Lock()
	d.cancels = append(d.cancels, cancel)
	d.mu.Unlock()
	d.next.ServeHTTP(w, r.WithContext(ctx))
}

func (d *droppable) dropAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, cancel := range d.cancels {
		cancel()
	}
	d.cancels = nil
}

type collector struct {
	mu   sync.Mutex
	seqs []uint64
}

func (c *collector) handle(f Frame) {
	if f.Type != TypeAudit {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seqs = append(c.seqs, f.Sequence)
}

func (c *collector) snapshot() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.seqs...)
}

func TestSubscriber_BackfillsAndResumesWithoutGaps(t *testing.T) {
	f := newFeed(t, Options{})
	proxy := &droppable{next: f.srv.Handler()}
	server := httptest.NewServer(proxy)
	defer server.Close()

	f.record(t, 3)

	var got collector
	sub, err := NewSubscriber("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", 1, got.handle, logging.NewNopLogger())
	require.NoError(t, err)
	sub.SetReconnectWait(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sub.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool { return len(got.snapshot()) == 3 }, 2*time.Second, 10*time.Millisecond)

	proxy.dropAll()
	f.record(t, 2)

	require.Eventually(t, func() bool { return sub.LastSequence() == 5 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, got.snapshot())
}

func TestFrame_AuditRecord(t *testing.T) {
	f := newFeed(t, Options{})
	f.record(t, 1)

	conn, _, err := f.dial(t, "?from=1", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))

	rec, err := frame.AuditRecord()
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.Sequence)
	assert.Equal(t, core.AuditRiskDecision, rec.Kind)

	_, err = Frame{Type: TypeReplayDone}.AuditRecord()
	assert.Error(t, err)
}
