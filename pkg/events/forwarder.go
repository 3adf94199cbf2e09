package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"slo-sched/pkg/slo"
)

const (
	defaultBatchSize    = 256
	defaultPollInterval = time.Second
	defaultHTTPTimeout  = 5 * time.Second

	breakerConsecutiveFailures = 5
	breakerOpenTimeout         = 30 * time.Second

	failureLogPerSecond = 0.2 // one failure line every five seconds
	failureLogBurst     = 1
)

var errSinkStatus = errors.New("events: sink returned non-success status")

// wireEvent is the JSON shape delivered to the sink.
type wireEvent struct {
	WorkloadID uint64 `json:"workloadId"`
	MissNS     uint64 `json:"missNs"`
	Timestamp  uint64 `json:"timestamp"`
}

// Forwarder drains a Ring and delivers miss events to an HTTP sink in JSON
// batches. Delivery runs behind a circuit breaker so a dead sink sheds load
// instead of stalling the drain loop, and failure logging is rate limited so
// the sink cannot flood the log.
type Forwarder struct {
	ring     *Ring
	sinkURL  string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	logLimit *rate.Limiter
	logger   *zap.Logger

	batchSize    int
	pollInterval time.Duration
}

// ForwarderOptions configure a Forwarder. Zero values select defaults.
type ForwarderOptions struct {
	BatchSize    int
	PollInterval time.Duration
	HTTPTimeout  time.Duration
	Logger       *zap.Logger
}

// NewForwarder constructs a Forwarder draining ring into sinkURL.
func NewForwarder(ring *Ring, sinkURL string, opts ForwarderOptions) (*Forwarder, error) {
	if ring == nil {
		return nil, errors.New("events: ring is nil")
	}

	if sinkURL == "" {
		return nil, errors.New("events: sink URL is empty")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	httpTimeout := opts.HTTPTimeout
	if httpTimeout <= 0 {
		httpTimeout = defaultHTTPTimeout
	}

	forwarder := &Forwarder{
		ring:         ring,
		sinkURL:      sinkURL,
		client:       &http.Client{Timeout: httpTimeout},
		logLimit:     rate.NewLimiter(rate.Limit(failureLogPerSecond), failureLogBurst),
		logger:       logger,
		batchSize:    batchSize,
		pollInterval: pollInterval,
	}

	forwarder.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "event-sink",
		Timeout: breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerConsecutiveFailures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn("event sink breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return forwarder, nil
}

// Run drains the ring until the context is cancelled.
func (f *Forwarder) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		batch := f.ring.Poll(f.batchSize, f.pollInterval)
		if len(batch) == 0 {
			continue
		}

		err := f.deliver(ctx, batch)
		if err != nil && f.logLimit.Allow() {
			f.logger.Warn("miss event delivery failed",
				zap.Int("events", len(batch)),
				zap.Error(err),
			)
		}
	}
}

// BreakerState reports the sink breaker state for the status surface.
func (f *Forwarder) BreakerState() string {
	return f.breaker.State().String()
}

func (f *Forwarder) deliver(ctx context.Context, batch []slo.DeadlineEvent) error {
	wire := make([]wireEvent, 0, len(batch))
	for _, ev := range batch {
		wire = append(wire, wireEvent{
			WorkloadID: uint64(ev.WorkloadID),
			MissNS:     ev.MissNS,
			Timestamp:  ev.Timestamp,
		})
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	_, err = f.breaker.Execute(func() (any, error) {
		return nil, f.post(ctx, payload)
	})

	return err
}

func (f *Forwarder) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.sinkURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build sink request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to sink: %w", err)
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: %d", errSinkStatus, resp.StatusCode)
	}

	return nil
}
