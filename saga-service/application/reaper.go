package application

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/draftea/saga-engine/saga-service/domain"
	"github.com/draftea/saga-engine/shared/telemetry"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const reaperScanLimit = 100

// ReaperConfig bounds the stuck-saga scanner. StuckDeadline must exceed the
// sum of all per-step timeout and retry budgets or the reaper would eat
// healthy long-running sagas.
type ReaperConfig struct {
	ScanInterval  time.Duration
	StuckDeadline time.Duration
}

// StuckSagaReaper periodically scans for sagas abandoned in running state
// (e.g. the driving process crashed mid-flight) and forces them into
// compensation. It talks to the coordinator only through the store's CAS
// contract, so it is safe to run alongside live coordinators and other
// reaper instances: a stale writer simply loses the CAS.
type StuckSagaReaper struct {
	store       domain.SagaStore
	coordinator *SagaCoordinator
	config      ReaperConfig

	mux    sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStuckSagaReaper creates a new StuckSagaReaper
func NewStuckSagaReaper(store domain.SagaStore, coordinator *SagaCoordinator, config ReaperConfig) *StuckSagaReaper {
	return &StuckSagaReaper{
		store:       store,
		coordinator: coordinator,
		config:      config,
	}
}

// Start launches the background scan loop
func (r *StuckSagaReaper) Start(ctx context.Context) {
	r.mux.Lock()
	defer r.mux.Unlock()

	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(ctx)
}

// Stop stops the scan loop and waits for the in-flight pass to finish
func (r *StuckSagaReaper) Stop() {
	r.mux.Lock()
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.mux.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
}

func (r *StuckSagaReaper) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reaped, err := r.ReapOnce(ctx); err != nil {
				log.Printf("stuck saga scan failed: %v", err)
			} else if reaped > 0 {
				log.Printf("reaped %d stuck sagas", reaped)
			}
		}
	}
}

// ReapOnce performs a single scan pass and returns the number of sagas
// forced into compensation
func (r *StuckSagaReaper) ReapOnce(ctx context.Context) (int, error) {
	deadline := time.Now().Add(-r.config.StuckDeadline)

	stuck, err := r.store.FindStuck(ctx, deadline, reaperScanLimit)
	if err != nil {
		return 0, errors.Wrap(err, "failed to scan stuck sagas")
	}

	if len(stuck) == 0 {
		return 0, nil
	}

	gr, ctx := errgroup.WithContext(ctx)
	gr.SetLimit(4)

	for _, saga := range stuck {
		saga := saga
		gr.Go(func() error {
			// The saga may have been resolved between scan and action; the
			// CAS-guarded compensation path tolerates that.
			_, err := r.coordinator.Compensate(ctx, saga.ID, "exceeded running deadline")
			if err != nil && !errors.Is(err, ErrCompensationExhausted) {
				log.Printf("failed to reap saga %s: %v", saga.ID, err)
				return nil
			}

			telemetry.RecordCounter(ctx, "saga_reaped_total", "Sagas forced into compensation by the reaper", 1,
				attribute.String("saga_type", string(saga.Type)),
			)
			return nil
		})
	}

	if err := gr.Wait(); err != nil {
		return 0, err
	}

	return len(stuck), nil
}
