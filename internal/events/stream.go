package events

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/hubot-paas/orchestrator/internal/metrics"
	"github.com/hubot-paas/orchestrator/internal/scheduler"
	"github.com/hubot-paas/orchestrator/pkg/logger"
)

const maxEventSize = 4 << 20

var dataPrefix = []byte("data:")

// ParseLine decodes the events carried by one line of the feed. Marathon
// sometimes packs several JSON objects into one message, separated by CRLF
// or nothing at all; each segment is decoded on its own so a broken one does
// not hide the others. Keep-alives, event names and comments yield nothing.
func ParseLine(line []byte) ([]Event, error) {
	var (
		out  []Event
		errs []error
	)
	segments := bytes.FieldsFunc(line, func(r rune) bool { return r == '\r' || r == '\n' })
	for _, seg := range segments {
		seg = bytes.TrimSpace(seg)
		if bytes.HasPrefix(seg, dataPrefix) {
			seg = bytes.TrimSpace(seg[len(dataPrefix):])
		}
		if len(seg) == 0 || seg[0] != '{' {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(seg))
		for {
			var ev Event
			err := dec.Decode(&ev)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errs = append(errs, err)
				break
			}
			if ev.EventType != "" {
				out = append(out, ev)
			}
		}
	}
	return out, errors.Join(errs...)
}

// Stream keeps one subscription to the scheduler's feed open and hands every
// event to the handler. It reconnects forever with jittered backoff.
type Stream struct {
	source  scheduler.EventSource
	handler Handler
	backoff func() backoff.BackOff
	log     *zap.Logger
}

func NewStream(source scheduler.EventSource, handler Handler) *Stream {
	return &Stream{
		source:  source,
		handler: handler,
		backoff: func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = 500 * time.Millisecond
			eb.MaxInterval = 3 * time.Second
			eb.RandomizationFactor = 1
			eb.MaxElapsedTime = 0
			return eb
		},
		log: logger.Named("stream"),
	}
}

// Run blocks until ctx is done.
func (s *Stream) Run(ctx context.Context) error {
	policy := s.backoff()
	for {
		received, err := s.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if received {
			policy.Reset()
		}
		wait := policy.NextBackOff()
		metrics.RecordStreamReconnect()
		s.log.Warn("event stream closed, reconnecting", zap.Duration("in", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// consume reads one connection until it ends. It reports whether any line
// arrived so a healthy connection resets the backoff.
func (s *Stream) consume(ctx context.Context) (bool, error) {
	body, err := s.source.OpenEventStream(ctx)
	if err != nil {
		return false, err
	}
	defer body.Close()
	s.log.Info("event stream connected")

	received := false
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64<<10), maxEventSize)
	for sc.Scan() {
		received = true
		evs, err := ParseLine(sc.Bytes())
		if err != nil {
			s.log.Warn("malformed event", zap.ByteString("line", sc.Bytes()), zap.Error(err))
			metrics.RecordEvent("malformed", outcomeError)
		}
		for _, ev := range evs {
			s.log.Debug("event received", zap.String("event_type", ev.EventType))
			// handler errors are logged and counted there; the feed goes on
			_ = s.handler.Handle(ctx, ev)
		}
	}
	if err := sc.Err(); err != nil {
		return received, err
	}
	return received, io.ErrUnexpectedEOF
}
