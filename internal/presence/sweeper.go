package presence

import (
	"log"
	"sync"
	"time"
)

type SweeperConfig struct {
	Interval time.Duration
	MaxAge   time.Duration
}

func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval: 30 * time.Second,
		MaxAge:   30 * time.Second,
	}
}

// Sweeper periodically evicts stale cursors from a Store and reports each
// eviction through the callback, which the caller uses to broadcast a
// cursor-removed event to the affected room.
type Sweeper struct {
	store   *Store
	config  SweeperConfig
	onEvict func(roomID, userID string)
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewSweeper(store *Store, config SweeperConfig, onEvict func(roomID, userID string)) *Sweeper {
	return &Sweeper{
		store:   store,
		config:  config,
		onEvict: onEvict,
		stop:    make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("🧹 Cursor sweeper started (interval: %v, max age: %v)",
		s.config.Interval, s.config.MaxAge)
}

func (s *Sweeper) Stop() {
	close(s.stop)
	s.wg.Wait()
	log.Println("🧹 Cursor sweeper stopped")
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	evicted := s.store.EvictStale(s.config.MaxAge)
	for _, e := range evicted {
		if s.onEvict != nil {
			s.onEvict(e.RoomID, e.UserID)
		}
	}
	if len(evicted) > 0 {
		log.Printf("🧹 Evicted %d stale cursors", len(evicted))
	}
}

// SweepNow runs a single sweep outside the ticker schedule.
func (s *Sweeper) SweepNow() {
	s.sweep()
}
