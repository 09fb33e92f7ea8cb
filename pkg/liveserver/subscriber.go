package liveserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"execution_core/internal/core"
	wsclient "execution_core/pkg/websocket"
)

// Frame is a received feed message with its payload left encoded
type Frame struct {
	Type     string          `json:"type"`
	Sequence uint64          `json:"sequence,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// AuditRecord decodes an audit frame
func (f Frame) AuditRecord() (core.AuditRecord, error) {
	var rec core.AuditRecord
	if f.Type != TypeAudit {
		return rec, fmt.Errorf("frame type %q is not an audit record", f.Type)
	}
	err := json.Unmarshal(f.Data, &rec)
	return rec, err
}

// Subscriber follows a feed and resumes after the last sequence it handled
// whenever the connection drops. Audit frames reach the handler at most once
// and in sequence order.
type Subscriber struct {
	endpoint *url.URL
	handler  func(Frame)
	logger   core.ILogger
	ws       *wsclient.Client
	from     uint64

	last atomic.Uint64
}

// NewSubscriber follows endpoint (ws://host:port/ws) starting at sequence from.
// from 0 streams live records only.
func NewSubscriber(endpoint string, from uint64, handler func(Frame), logger core.ILogger) (*Subscriber, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("feed endpoint: %w", err)
	}
	s := &Subscriber{
		endpoint: u,
		handler:  handler,
		logger:   logger.WithField("component", "feed_subscriber"),
		from:     from,
	}
	s.ws = wsclient.NewClient(s.nextURL, s.onMessage, logger)
	s.ws.SetReconnectWait(time.Second)
	return s, nil
}

// SetReconnectWait sets the pause before resuming a dropped stream
func (s *Subscriber) SetReconnectWait(d time.Duration) {
	s.ws.SetReconnectWait(d)
}

// LastSequence is the newest audit sequence handled
func (s *Subscriber) LastSequence() uint64 {
	return s.last.Load()
}

// Run follows the feed until ctx is cancelled
func (s *Subscriber) Run(ctx context.Context) error {
	s.ws.Start(ctx)
	<-ctx.Done()
	s.ws.Stop()
	return nil
}

func (s *Subscriber) nextURL() string {
	u := *s.endpoint
	q := u.Query()
	switch last := s.last.Load(); {
	case last > 0:
		q.Set("from", strconv.FormatUint(last+1, 10))
	case s.from > 0:
		q.Set("from", strconv.FormatUint(s.from, 10))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Subscriber) onMessage(raw []byte) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.logger.Warn("Dropping malformed feed frame", "error", err)
		return
	}
	if f.Type == TypeAudit {
		last := s.last.Load()
		if f.Sequence <= last {
			return
		}
		if last > 0 && f.Sequence != last+1 {
			// the hub shed messages; resume from the log instead
			s.logger.Warn("Feed gap, resuming from audit log", "expected", last+1, "received", f.Sequence)
			s.ws.Reconnect()
			return
		}
		s.last.Store(f.Sequence)
	}
	s.handler(f)
}
