package dispatch

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/campaign"
)

// SchedulerStore is the slice of persistence the scheduler polls.
// Implemented by *campaign.Store.
type SchedulerStore interface {
	GetDueScheduledCampaigns(ctx context.Context, limit int) ([]uuid.UUID, error)
	FailStuckJobs(ctx context.Context, cutoff time.Duration) (int, error)
}

// Scheduler polls for campaigns whose scheduled time has arrived and
// hands them to the dispatcher. It also sweeps jobs stranded in
// sending by a crashed run.
type Scheduler struct {
	store      SchedulerStore
	dispatcher campaign.Dispatcher
	interval   time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler polling at the given interval
func NewScheduler(store SchedulerStore, dispatcher campaign.Dispatcher, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		interval:   interval,
	}
}

// Start launches the polling loop. Safe to call once; subsequent calls
// are no-ops until Stop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.run()
	log.Printf("[Scheduler] started, polling every %s", s.interval)
}

// Stop halts the polling loop and waits for an in-flight cycle
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	log.Printf("[Scheduler] stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// One immediate cycle so a restart picks up overdue campaigns
	// without waiting out the first interval.
	s.cycle()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cycle()
		}
	}
}

func (s *Scheduler) cycle() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	if n, err := s.store.FailStuckJobs(ctx, campaign.StuckJobCutoff); err != nil {
		log.Printf("[Scheduler] stuck job sweep failed: %v", err)
	} else if n > 0 {
		log.Printf("[Scheduler] failed %d jobs stuck in sending", n)
	}

	due, err := s.store.GetDueScheduledCampaigns(ctx, 20)
	if err != nil {
		log.Printf("[Scheduler] due campaign check failed: %v", err)
		return
	}

	for _, id := range due {
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.dispatchOne(id)
	}
}

// dispatchOne runs a single due campaign to completion. Dispatches run
// sequentially within a cycle; the shared rate budget already bounds
// aggregate throughput.
func (s *Scheduler) dispatchOne(campaignID uuid.UUID) {
	log.Printf("[Scheduler] dispatching scheduled campaign %s", campaignID)

	result, err := s.dispatcher.Dispatch(context.Background(), campaignID)
	if err != nil {
		if errors.Is(err, campaign.ErrQueuePaused) {
			log.Printf("[Scheduler] queue paused, campaign %s stays scheduled", campaignID)
			return
		}
		log.Printf("[Scheduler] campaign %s dispatch failed: %v", campaignID, err)
		return
	}
	log.Printf("[Scheduler] campaign %s finished %s: %d sent, %d failed",
		campaignID, result.Status, len(result.Successful), len(result.Failed))
}
