// Package worker provides the background sweeper that expires stale checkout
// intents and trims the processed-webhook ledger, with graceful shutdown
// handling.
package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// IntentSweepStore defines the checkout intent cleanup operation.
type IntentSweepStore interface {
	DeleteExpired(ctx context.Context, maxAge time.Duration) (int64, error)
}

// LedgerSweepStore defines the webhook ledger retention operation.
type LedgerSweepStore interface {
	DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error)
}

// Config holds sweeper configuration
type Config struct {
	// SweepInterval is the time between sweep passes
	SweepInterval time.Duration
	// IntentMaxAge is how long a checkout intent stays eligible for verification
	IntentMaxAge time.Duration
	// LedgerRetention is how long processed webhook deliveries are remembered
	LedgerRetention time.Duration
	// ShutdownTimeout is the maximum time to wait for an in-flight sweep during shutdown
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		SweepInterval:   time.Hour,
		IntentMaxAge:    24 * time.Hour,
		LedgerRetention: 30 * 24 * time.Hour,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Sweeper periodically removes expired checkout intents and old ledger rows.
// The ledger retention window must stay far longer than any webhook retry
// horizon, otherwise trimming would reopen the idempotency guarantee.
type Sweeper struct {
	config  Config
	intents IntentSweepStore
	ledger  LedgerSweepStore

	wg      sync.WaitGroup
	stopCh  chan struct{}
	stopped bool
	mu      sync.Mutex
}

// New creates a new Sweeper instance
func New(config Config, intents IntentSweepStore, ledger LedgerSweepStore) *Sweeper {
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultConfig().SweepInterval
	}
	if config.IntentMaxAge <= 0 {
		config.IntentMaxAge = DefaultConfig().IntentMaxAge
	}
	if config.LedgerRetention <= 0 {
		config.LedgerRetention = DefaultConfig().LedgerRetention
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	return &Sweeper{
		config:  config,
		intents: intents,
		ledger:  ledger,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the sweep loop
func (s *Sweeper) Start(ctx context.Context) {
	log.Printf("[sweeper] Starting with interval %v (intent max age %v, ledger retention %v)",
		s.config.SweepInterval, s.config.IntentMaxAge, s.config.LedgerRetention)

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop gracefully shuts down the sweeper
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("[sweeper] Graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	// One pass at startup so a long interval doesn't delay the first cleanup.
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[sweeper] Shutting down (context cancelled)")
			return
		case <-s.stopCh:
			log.Printf("[sweeper] Shutting down (stop signal)")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs a single cleanup pass. Failures are logged and retried on the
// next tick; they never stop the loop.
func (s *Sweeper) sweep(ctx context.Context) {
	start := time.Now()

	expired, err := s.intents.DeleteExpired(ctx, s.config.IntentMaxAge)
	if err != nil {
		log.Printf("[sweeper] Failed to delete expired intents: %v", err)
	}

	trimmed, err := s.ledger.DeleteOlderThan(ctx, s.config.LedgerRetention)
	if err != nil {
		log.Printf("[sweeper] Failed to trim webhook ledger: %v", err)
	}

	if expired > 0 || trimmed > 0 {
		log.Printf("[sweeper] Pass completed in %v: %d intents expired, %d ledger rows trimmed",
			time.Since(start), expired, trimmed)
	}
}
