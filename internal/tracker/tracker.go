// Package tracker merges pushed snapshots and a timed poll into one de-duplicated update stream
// for a single observer of a job.
package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rossigee/page-generator/internal/progress"
	"github.com/rossigee/page-generator/pkg/types"
	"github.com/sirupsen/logrus"
)

// DefaultPollInterval is used when Track is given a non-positive interval
const DefaultPollInterval = 2 * time.Second

// Source supplies snapshots on demand and by push
type Source interface {
	FetchOnce(ctx context.Context, jobID string) (*types.JobSnapshot, error)
	Subscribe(ctx context.Context, jobID string) (<-chan *types.JobSnapshot, error)
}

// Tracking is one attachment to a job. Callbacks run on a single goroutine, in order.
type Tracking struct {
	jobID  string
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	latest *types.JobSnapshot
	err    error
}

// Track attaches to jobID and calls onUpdate for every snapshot newer than the previous one.
// Tracking ends by itself after a terminal snapshot, when the job disappears, or when ctx is done.
func Track(ctx context.Context, src Source, jobID string, interval time.Duration, onUpdate func(*types.JobSnapshot)) *Tracking {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &Tracking{
		jobID:  jobID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go t.loop(ctx, src, interval, onUpdate)
	return t
}

func (t *Tracking) loop(ctx context.Context, src Source, interval time.Duration, onUpdate func(*types.JobSnapshot)) {
	defer close(t.done)
	defer t.cancel()

	log := logrus.WithField("job_id", t.jobID)

	// accept reports whether tracking should continue
	accept := func(snap *types.JobSnapshot) bool {
		t.mu.Lock()
		newer := snap.NewerThan(t.latest)
		if newer {
			t.latest = snap
		}
		t.mu.Unlock()

		if newer && ctx.Err() == nil {
			onUpdate(snap)
		}
		return !snap.IsTerminal()
	}

	fetch := func() bool {
		snap, err := src.FetchOnce(ctx, t.jobID)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			if errors.Is(err, progress.ErrNotFound) {
				t.setErr(err)
				return false
			}
			log.WithError(err).Debug("Job poll failed")
			return true
		}
		return accept(snap)
	}

	if !fetch() {
		return
	}

	var pushed <-chan *types.JobSnapshot
	if stream, err := src.Subscribe(ctx, t.jobID); err != nil {
		log.WithError(err).Debug("Job subscription unavailable, polling only")
	} else {
		pushed = stream
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-pushed:
			if !ok {
				// Stream ended; the poll keeps going until a terminal snapshot
				pushed = nil
				continue
			}
			if !accept(snap) {
				return
			}
		case <-ticker.C:
			if !fetch() {
				return
			}
		}
	}
}

func (t *Tracking) setErr(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

// Stop detaches from the job. No callback runs after Stop returns.
// It must not be called from inside the update callback.
func (t *Tracking) Stop() {
	t.cancel()
	<-t.done
}

// Done is closed once tracking has ended
func (t *Tracking) Done() <-chan struct{} {
	return t.done
}

// Latest returns the newest snapshot seen so far, or nil
func (t *Tracking) Latest() *types.JobSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest
}

// Err returns why tracking ended early, if it did
func (t *Tracking) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
