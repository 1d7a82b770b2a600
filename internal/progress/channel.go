// Package progress makes job state visible to observers. Writers publish a bare "changed" signal
// through a Broker; observers always read the state itself from the job store, so a lost signal
// is recovered by the next read.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rossigee/page-generator/internal/storage"
	"github.com/rossigee/page-generator/pkg/types"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned for unknown job IDs
var ErrNotFound = storage.ErrNotFound

// Reader is the part of the job store observers read from
type Reader interface {
	GetJob(ctx context.Context, id string) (*storage.JobRecord, error)
	ListEvents(ctx context.Context, jobID string, limit int) ([]*storage.EventRecord, error)
}

// Channel serves job snapshots from the store, pushed or on demand
type Channel struct {
	store       Reader
	broker      Broker
	recentLimit int
}

// NewChannel creates a progress channel. recentLimit bounds the events carried by each snapshot.
func NewChannel(store Reader, broker Broker, recentLimit int) *Channel {
	if recentLimit <= 0 {
		recentLimit = 10
	}
	return &Channel{
		store:       store,
		broker:      broker,
		recentLimit: recentLimit,
	}
}

// FetchOnce returns the latest durable snapshot of a job
func (c *Channel) FetchOnce(ctx context.Context, jobID string) (*types.JobSnapshot, error) {
	record, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	events, err := c.store.ListEvents(ctx, jobID, c.recentLimit)
	if err != nil {
		// The job row alone is a valid snapshot
		logrus.WithError(err).WithField("job_id", jobID).Warn("Failed to load job events")
		events = nil
	}

	return Snapshot(record, events)
}

// Snapshot converts stored rows into the observable form
func Snapshot(record *storage.JobRecord, events []*storage.EventRecord) (*types.JobSnapshot, error) {
	snap := &types.JobSnapshot{
		JobID:        record.ID,
		Status:       types.JobStatus(record.Status),
		PageSlug:     record.PageSlug,
		ErrorMessage: record.ErrorMessage,
		Version:      record.Version,
		CreatedAt:    record.CreatedAt,
		UpdatedAt:    record.UpdatedAt,
		CompletedAt:  record.CompletedAt,
		RecentEvents: make([]types.ProgressEvent, 0, len(events)),
	}

	if record.ProgressJSON != "" {
		var progress types.ProgressInfo
		if err := json.Unmarshal([]byte(record.ProgressJSON), &progress); err != nil {
			return nil, fmt.Errorf("failed to decode progress of job %s: %w", record.ID, err)
		}
		snap.Progress = &progress
	}
	if record.ResultJSON != "" {
		snap.Result = json.RawMessage(record.ResultJSON)
	}

	for _, ev := range events {
		snap.RecentEvents = append(snap.RecentEvents, types.ProgressEvent{
			JobID:     ev.JobID,
			Stage:     types.Stage(ev.Stage),
			Message:   ev.Message,
			Percent:   ev.Percent,
			CreatedAt: ev.CreatedAt,
		})
	}
	return snap, nil
}

// Publish signals observers of jobID
func (c *Channel) Publish(ctx context.Context, jobID string) error {
	return c.broker.Publish(ctx, jobID)
}

// Subscribe streams snapshots of a job, starting with the current one. Only snapshots newer than
// the last one sent are delivered. The stream closes after a terminal snapshot or when ctx is done.
func (c *Channel) Subscribe(ctx context.Context, jobID string) (<-chan *types.JobSnapshot, error) {
	// Watch before the first read so no change between the two is missed
	signals, stop := c.broker.Watch(jobID)

	first, err := c.FetchOnce(ctx, jobID)
	if err != nil {
		stop()
		return nil, err
	}

	out := make(chan *types.JobSnapshot, 1)
	go func() {
		defer close(out)
		defer stop()

		last := first
		if !send(ctx, out, first) || first.IsTerminal() {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-signals:
			}

			snap, err := c.FetchOnce(ctx, jobID)
			if err != nil {
				if errors.Is(err, ErrNotFound) || ctx.Err() != nil {
					return
				}
				logrus.WithError(err).WithField("job_id", jobID).Debug("Failed to refresh job snapshot")
				continue
			}
			if !snap.NewerThan(last) {
				continue
			}

			last = snap
			if !send(ctx, out, snap) || snap.IsTerminal() {
				return
			}
		}
	}()

	return out, nil
}

func send(ctx context.Context, out chan<- *types.JobSnapshot, snap *types.JobSnapshot) bool {
	select {
	case out <- snap:
		return true
	case <-ctx.Done():
		return false
	}
}
