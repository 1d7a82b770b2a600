// Command prune deletes finished generation jobs and their event history once they are older
// than JOB_RETENTION. The service never deletes jobs itself; run this from cron or by hand.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rossigee/page-generator/internal/config"
	"github.com/rossigee/page-generator/internal/storage"
	"github.com/sirupsen/logrus"
)

// Pruner deletes finished jobs older than a retention period
type Pruner interface {
	DeleteOldJobs(ctx context.Context, olderThan time.Duration) (int64, error)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	if err := config.ConfigureLogging(cfg.Log); err != nil {
		logrus.Fatalf("Failed to configure logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logrus.WithError(err).Error("Prune failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	store, err := storage.NewStore(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close job store")
		}
	}()

	_, err = prune(ctx, store, cfg.Jobs.Retention)
	return err
}

// prune runs a single retention pass
func prune(ctx context.Context, store Pruner, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("retention must be positive, got %s", retention)
	}

	deleted, err := store.DeleteOldJobs(ctx, retention)
	if err != nil {
		return 0, fmt.Errorf("failed to prune old jobs: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"deleted_count": deleted,
		"retention":     retention.String(),
	}).Info("Pruned old jobs")
	return deleted, nil
}
