package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
)

const staleOutputAge = 24 * time.Hour

// startMaintenance schedules the hourly sweep of stale engine output files.
// Sidecar text files and intermediate outputs accumulate in the engine's
// output directory; anything older than a day is safe to drop because every
// surviving result has been copied into the media directory.
func startMaintenance(engineOutputDir string, logger *slog.Logger) *cron.Cron {
	c := cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
	))

	if _, err := c.AddFunc("@hourly", func() {
		sweepStaleOutputs(engineOutputDir, staleOutputAge, logger)
	}); err != nil {
		logger.Error("Failed to schedule output sweep", "error", err)
	}

	c.Start()

	return c
}

func sweepStaleOutputs(dir string, maxAge time.Duration, logger *slog.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("Failed to scan engine output directory", "dir", dir, "error", err)
		}

		return
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			logger.Warn("Failed to remove stale output", "file", entry.Name(), "error", err)

			continue
		}

		removed++
	}

	if removed > 0 {
		logger.Info("Swept stale engine outputs", "dir", dir, "removed", removed)
	}
}
