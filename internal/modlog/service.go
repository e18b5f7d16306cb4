package modlog

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"modguard/internal/eventbus"
	"modguard/internal/moderation"
	rtsup "modguard/internal/runtime/supervisor"
	logx "modguard/pkg/logx"
)

var (
	ErrQueueFull = errors.New("modlog queue full")
	ErrStopped   = errors.New("modlog stopped")
)

const sendTimeout = 10 * time.Second

type job struct {
	channelID int64
	content   string
	key       string
}

// Service implements moderation.ModLog. Post only enqueues; delivery happens
// on worker goroutines. When disabled, Post sends synchronously.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter
	dedup   *expirable.LRU[string, struct{}]

	accepting bool
	postWG    sync.WaitGroup
	queue     chan job
	sup       *rtsup.Supervisor
	stopDone  chan struct{}
}

var _ moderation.ModLog = (*Service)(nil)

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{sender: sender, log: log.With(logx.String("comp", "modlog")), bus: bus}
	s.applyLocked(cfg)
	return s
}

// Apply swaps the configuration. Queue size and worker count take effect on
// the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}

	if s.dedup == nil || cfg.DedupWindow != s.cfg.DedupWindow || cfg.DedupMaxEntries != s.cfg.DedupMaxEntries {
		s.dedup = nil
		if cfg.DedupWindow > 0 {
			s.dedup = expirable.NewLRU[string, struct{}](cfg.DedupMaxEntries, nil, cfg.DedupWindow)
		}
	}
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes pass.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("modlog.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping || c.Err() != nil {
				return nil
			}
			return errors.New("modlog worker exited unexpectedly")
		})
	}
}

// Stop stops intake and drains the queue until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.postWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue, s.sup, s.stopDone = nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Post enqueues content for channelID. Identical lines for the same channel
// inside the dedup window are dropped silently.
func (s *Service) Post(ctx context.Context, channelID int64, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if channelID == 0 || content == "" {
		return nil
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		sender := s.sender
		s.mu.Unlock()
		cctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		return sender.SendToChannel(cctx, channelID, content)
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q, dedup := s.queue, s.dedup
	s.postWG.Add(1)
	s.mu.Unlock()
	defer s.postWG.Done()

	key := dedupKey(channelID, content)
	if dedup != nil {
		if _, seen := dedup.Get(key); seen {
			s.publish(eventbus.ModLogDeduped, channelID, key, 0, nil)
			return nil
		}
		dedup.Add(key, struct{}{})
	}

	select {
	case q <- job{channelID: channelID, content: content, key: key}:
		s.publish(eventbus.ModLogQueued, channelID, key, 0, nil)
		return nil
	default:
		s.publish(eventbus.ModLogDropped, channelID, key, 0, ErrQueueFull)
		return ErrQueueFull
	}
}

// SendToChannel lets the service stand in for a Sender, e.g. behind the
// logging channel sink.
func (s *Service) SendToChannel(ctx context.Context, channelID int64, content string) error {
	return s.Post(ctx, channelID, content)
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		if err := lim.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := sender.SendToChannel(cctx, j.channelID, j.content)
		cancel()
		if err == nil {
			s.publish(eventbus.ModLogSent, j.channelID, j.key, attempt, nil)
			return
		}
		lastErr = err
		s.log.Debug("modlog send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if !retryable(err) || attempt >= maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("modlog delivery failed", logx.Int64("channel", j.channelID), logx.Int("attempts", attempts), logx.Err(lastErr))
	s.publish(eventbus.ModLogFailed, j.channelID, j.key, attempts, lastErr)
}

// retryable is false for outcomes another attempt cannot change.
func retryable(err error) bool {
	switch moderation.OutcomeOf(err) {
	case moderation.OutcomeForbidden, moderation.OutcomeNotFound, moderation.OutcomeBlocked:
		return false
	}
	return true
}

func (s *Service) publish(typ string, channelID int64, key string, attempts int, err error) {
	ev := Event{ChannelID: channelID, Key: key, At: time.Now(), Attempts: attempts}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func dedupKey(channelID int64, content string) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d|", channelID)
	_, _ = h.Write([]byte(content))
	return fmt.Sprintf("%x", h.Sum64())
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the next attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
