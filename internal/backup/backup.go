// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const timeLayout = "20060102T150405"

type Config struct {
	Source   string // file to back up
	Folder   string
	Schedule string // cron spec or @every
	Keep     int    // copies kept, oldest pruned first
}

// Scheduler copies a file into a backup folder on a cron schedule.
type Scheduler struct {
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

func NewScheduler(cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if cfg.Source == "" || cfg.Folder == "" {
		return nil, errors.New("backup source and folder are required")
	}
	if cfg.Keep < 1 {
		cfg.Keep = 1
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@daily"
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("backup schedule %q: %w", cfg.Schedule, err)
	}
	return &Scheduler{cfg: cfg, now: time.Now, logger: logger}, nil
}

// Run schedules backups until ctx is done and waits for a running backup to
// finish.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		path, err := s.Backup()
		if err != nil {
			s.logger.Error("config backup failed", zap.Error(err))
			return
		}
		s.logger.Info("config backed up", zap.String("path", path))
	}); err != nil {
		return fmt.Errorf("schedule backup: %w", err)
	}
	c.Start()
	s.logger.Info("backup scheduler started",
		zap.String("schedule", s.cfg.Schedule),
		zap.String("folder", s.cfg.Folder),
	)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Backup copies the source file now and prunes old copies.
func (s *Scheduler) Backup() (string, error) {
	if err := os.MkdirAll(s.cfg.Folder, 0o755); err != nil {
		return "", fmt.Errorf("create backup folder: %w", err)
	}
	base := filepath.Base(s.cfg.Source)
	ext := filepath.Ext(base)
	name := fmt.Sprintf("%s_%s%s", strings.TrimSuffix(base, ext), s.now().UTC().Format(timeLayout), ext)
	dst := filepath.Join(s.cfg.Folder, name)

	if err := copyFile(s.cfg.Source, dst); err != nil {
		return "", err
	}
	if err := s.prune(); err != nil {
		return dst, err
	}
	return dst, nil
}

// prune removes the oldest backups beyond Keep. Names sort by timestamp.
func (s *Scheduler) prune() error {
	base := filepath.Base(s.cfg.Source)
	ext := filepath.Ext(base)
	matches, err := filepath.Glob(filepath.Join(s.cfg.Folder, strings.TrimSuffix(base, ext)+"_*"+ext))
	if err != nil {
		return err
	}
	sort.Strings(matches)
	for len(matches) > s.cfg.Keep {
		if err := os.Remove(matches[0]); err != nil {
			return fmt.Errorf("prune backup: %w", err)
		}
		s.logger.Debug("pruned backup", zap.String("path", matches[0]))
		matches = matches[1:]
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	return out.Close()
}
