package runtime

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"time"
)

const (
	defaultSnapshotInterval = 10 * time.Second
	defaultSizeCeiling      = 50 * 1024 * 1024 * 1024
)

// Snapshotter periodically persists the registry to disk. A write only
// happens when the SHA-256 of the serialized form changed since the
// last one. When the serialized size exceeds the ceiling the oldest
// entry is evicted before the next iteration.
type Snapshotter struct {
	registry *Registry
	path     string
	logger   *slog.Logger

	interval    time.Duration
	sizeCeiling int
	lastHash    [sha256.Size]byte
	hasHash     bool
}

func NewSnapshotter(logger *slog.Logger, registry *Registry, path string) *Snapshotter {
	return &Snapshotter{
		registry:    registry,
		path:        path,
		logger:      logger,
		interval:    defaultSnapshotInterval,
		sizeCeiling: defaultSizeCeiling,
	}
}

// Run blocks until ctx is done, flushing a final snapshot on the way
// out.
func (s *Snapshotter) Run(ctx context.Context) {
	if s.path == "" {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(); err != nil {
				s.logger.Error("failed to flush final snapshot", "err", err)
			}
			return
		case <-ticker.C:
			if err := s.tick(); err != nil {
				s.logger.Error("failed to snapshot registry", "err", err)
			}
		}
	}
}

func (s *Snapshotter) tick() error {
	data, err := s.registry.MarshalOrdered("  ")
	if err != nil {
		return fmt.Errorf("failed to serialize registry: %w", err)
	}
	if len(data) > s.sizeCeiling {
		if s.registry.EvictOldest() {
			s.logger.Warn("registry over size ceiling, evicted oldest entry", "size", len(data))
		}
	}
	hash := sha256.Sum256(data)
	if s.hasHash && hash == s.lastHash {
		return nil
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot to %s: %w", s.path, err)
	}
	s.lastHash = hash
	s.hasHash = true
	return nil
}

// Flush writes the current registry state unconditionally.
func (s *Snapshotter) Flush() error {
	if s.path == "" {
		return nil
	}
	data, err := s.registry.MarshalOrdered("  ")
	if err != nil {
		return fmt.Errorf("failed to serialize registry: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot to %s: %w", s.path, err)
	}
	s.lastHash = sha256.Sum256(data)
	s.hasHash = true
	return nil
}

// LoadRegistry initializes a registry from the snapshot file. A missing
// or empty file yields an empty registry.
func LoadRegistry(logger *slog.Logger, path string) (*Registry, error) {
	registry := NewRegistry(logger)
	if path == "" {
		return registry, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return registry, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read runtime file %s: %w", path, err)
	}
	if err := registry.UnmarshalOrdered(data); err != nil {
		return nil, fmt.Errorf("failed to parse runtime file %s: %w", path, err)
	}
	return registry, nil
}
