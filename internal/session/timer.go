package session

import (
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// TimerScheduler arranges for a function to run once after a delay, under a
// cancellable tag. Scheduling a new timer under a tag that already has one
// pending cancels the previous timer first — this lets callers simply
// re-Schedule on every activity event instead of juggling cancel-then-Schedule
// themselves.
//
// The gocron-backed implementation below is the production TimerScheduler,
// expressed as independently-cancellable one-shot gocron jobs, the same
// scheduling primitive internal/health uses for its recurring sweep.
type TimerScheduler interface {
	// Schedule arms fn to run once after d, tagged so it can be cancelled.
	Schedule(tag string, d time.Duration, fn func()) error
	// Cancel removes any pending timer under tag. No-op if none is pending.
	Cancel(tag string)
	// Shutdown cancels every pending timer and stops the scheduler.
	Shutdown() error
}

// gocronTimerScheduler implements TimerScheduler on top of go-co-op/gocron/v2.
// Each tag maps to at most one scheduled gocron job at a time.
type gocronTimerScheduler struct {
	mu    sync.Mutex
	cron  gocron.Scheduler
	byTag map[string]gocron.Job
}

// NewGocronTimerScheduler creates and starts a TimerScheduler backed by
// gocron. Call Shutdown to stop it and release resources.
func NewGocronTimerScheduler() (TimerScheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	s.Start()
	return &gocronTimerScheduler{cron: s, byTag: make(map[string]gocron.Job)}, nil
}

func (s *gocronTimerScheduler) Schedule(tag string, d time.Duration, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byTag[tag]; ok {
		_ = s.cron.RemoveJob(existing.ID())
		delete(s.byTag, tag)
	}

	job, err := s.cron.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(d))),
		gocron.NewTask(fn),
		gocron.WithTags(tag),
	)
	if err != nil {
		return err
	}
	s.byTag[tag] = job
	return nil
}

func (s *gocronTimerScheduler) Cancel(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.byTag[tag]
	if !ok {
		return
	}
	_ = s.cron.RemoveJob(job.ID())
	delete(s.byTag, tag)
}

func (s *gocronTimerScheduler) Shutdown() error {
	s.mu.Lock()
	s.byTag = make(map[string]gocron.Job)
	s.mu.Unlock()
	return s.cron.Shutdown()
}
