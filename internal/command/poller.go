package command

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/deskbridge/deskbridge/internal/metrics"
	"github.com/deskbridge/deskbridge/pkg/protocol"
)

// Store is the subset of the cloud document store used by the command loop.
type Store interface {
	QueryLatest(ctx context.Context, collection string) ([]protocol.Record, error)
	MarkCompleted(ctx context.Context, collection, id string) error
}

// Poller fetches the newest command record.
type Poller struct {
	store      Store
	collection string
	logger     zerolog.Logger
}

// NewPoller creates a Poller for collection.
func NewPoller(store Store, collection string, logger zerolog.Logger) *Poller {
	return &Poller{
		store:      store,
		collection: collection,
		logger:     logger.With().Str("component", "poller").Logger(),
	}
}

// Poll returns zero or one records. Transport and parse failures are logged
// and reported as an empty result; Poll never fails.
func (p *Poller) Poll(ctx context.Context) []protocol.Record {
	start := time.Now()
	recs, err := p.store.QueryLatest(ctx, p.collection)
	if err != nil {
		metrics.ObservePoll(metrics.ResultError, time.Since(start))
		p.logger.Error().Err(err).Msg("poll commands failed")
		return nil
	}
	if len(recs) == 0 {
		metrics.ObservePoll(metrics.ResultEmpty, time.Since(start))
		return nil
	}
	metrics.ObservePoll(metrics.ResultSuccess, time.Since(start))
	return recs[:1]
}

// Service is the background loop: poll, dispatch, sleep. It checks its
// running flag only at the top of each iteration, so Stop takes effect
// within one interval.
type Service struct {
	poller     *Poller
	dispatcher *Dispatcher
	interval   time.Duration
	logger     zerolog.Logger

	mu      sync.Mutex
	running bool
	active  bool // a loop goroutine exists
	wg      sync.WaitGroup
}

// NewService creates a Service.
func NewService(poller *Poller, dispatcher *Dispatcher, interval time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		poller:     poller,
		dispatcher: dispatcher,
		interval:   interval,
		logger:     logger.With().Str("component", "command-loop").Logger(),
	}
}

// Run starts the loop in the calling goroutine and blocks until Stop is
// observed or ctx is cancelled. It returns immediately if a loop is
// already active.
func (s *Service) Run(ctx context.Context) error {
	if !s.claim() {
		return nil
	}
	s.loop(ctx)
	return nil
}

// Start launches the loop in a new goroutine. If a loop is still winding
// down after Stop, it is simply told to keep running.
func (s *Service) Start(ctx context.Context) {
	if s.claim() {
		go s.loop(ctx)
	}
}

// Stop asks the loop to exit at the top of its next iteration.
func (s *Service) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info().Msg("command loop stop requested")
}

// Running reports whether the loop is set to keep going.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// claim sets running and reports whether the caller must start a loop.
func (s *Service) claim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	if s.active {
		return false
	}
	s.active = true
	s.wg.Add(1)
	return true
}

// proceed is the top-of-iteration check. It releases the loop slot in the
// same critical section so a concurrent Start never sees a dying loop.
func (s *Service) proceed(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || ctx.Err() != nil {
		s.active = false
		return false
	}
	return true
}

// Wait blocks until the current loop, if any, has finished its in-flight
// poll and dispatch and exited.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()
	s.logger.Info().Dur("interval", s.interval).Msg("command loop started")
	s.dispatcher.emitStatus(true)

	for s.proceed(ctx) {
		for _, rec := range s.poller.Poll(ctx) {
			s.dispatcher.Dispatch(ctx, rec)
		}

		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	s.dispatcher.emitStatus(false)
	s.logger.Info().Msg("command loop stopped")
}
