package lfs

import (
	"time"

	"github.com/google/uuid"
)

// FormatConfig controls how Format lays out a fresh backing image.
type FormatConfig struct {
	BlockSize     uint32
	SegmentBlocks uint32
	InodeCapacity uint64
	UUID          uuid.UUID
	ModTime       time.Time
}

// FormatOption configures FormatConfig, the same functional-options shape
// the teacher uses for its Writer (WriterOption).
type FormatOption func(*FormatConfig)

// WithBlockSize overrides the default 4KiB block size.
func WithBlockSize(size uint32) FormatOption {
	return func(c *FormatConfig) { c.BlockSize = size }
}

// WithSegmentBlocks overrides the default 1024-block (4MiB) segment size.
func WithSegmentBlocks(blocks uint32) FormatOption {
	return func(c *FormatConfig) { c.SegmentBlocks = blocks }
}

// WithInodeCapacity reserves room for a specific number of inodes in the
// checkpoint region instead of the size-scaled default.
func WithInodeCapacity(n uint64) FormatOption {
	return func(c *FormatConfig) { c.InodeCapacity = n }
}

// WithUUID pins the filesystem UUID instead of generating a random one.
func WithUUID(id uuid.UUID) FormatOption {
	return func(c *FormatConfig) { c.UUID = id }
}

func defaultFormatConfig() *FormatConfig {
	return &FormatConfig{
		BlockSize:     DefaultBlockSize,
		SegmentBlocks: DefaultSegmentBlocks,
		UUID:          uuid.New(),
		ModTime:       time.Now(),
	}
}

// Config controls mount-time tuning: cache sizes, checkpoint and cleaner
// thresholds (spec §4.8, §4.10, §9).
type Config struct {
	ReadOnly bool

	BufferCacheBlocks int
	InodeCacheEntries int

	CheckpointWriteThreshold int           // default 100 writes since last checkpoint
	CheckpointInterval       time.Duration // default 30s

	CleanerLowWatermark  float64       // free_segment_ratio below which needed() is true; default 0.10
	CleanerHighWatermark float64       // target free ratio after a cleaning run; default 0.20
	CleanerCleanCap      float64       // utilisation ceiling for a candidate segment; default 0.50
	CleanerBudget        int           // segments cleaned per pass; default 5
	CleanerIdleWait      time.Duration // watchdog poll interval; default 5s

	Clock Clock

	Metrics *Metrics
}

// MountOption configures Config.
type MountOption func(*Config)

func WithReadOnly() MountOption {
	return func(c *Config) { c.ReadOnly = true }
}

func WithBufferCacheBlocks(n int) MountOption {
	return func(c *Config) { c.BufferCacheBlocks = n }
}

func WithInodeCacheEntries(n int) MountOption {
	return func(c *Config) { c.InodeCacheEntries = n }
}

func WithCheckpointWriteThreshold(n int) MountOption {
	return func(c *Config) { c.CheckpointWriteThreshold = n }
}

func WithCheckpointInterval(d time.Duration) MountOption {
	return func(c *Config) { c.CheckpointInterval = d }
}

func WithCleanerWatermarks(low, high, cleanCap float64) MountOption {
	return func(c *Config) {
		c.CleanerLowWatermark = low
		c.CleanerHighWatermark = high
		c.CleanerCleanCap = cleanCap
	}
}

func WithCleanerBudget(n int) MountOption {
	return func(c *Config) { c.CleanerBudget = n }
}

func WithClock(clk Clock) MountOption {
	return func(c *Config) { c.Clock = clk }
}

func WithMetrics(m *Metrics) MountOption {
	return func(c *Config) { c.Metrics = m }
}

func defaultConfig() *Config {
	return &Config{
		BufferCacheBlocks:        4096,
		InodeCacheEntries:        1024,
		CheckpointWriteThreshold: 100,
		CheckpointInterval:       30 * time.Second,
		CleanerLowWatermark:      0.10,
		CleanerHighWatermark:     0.20,
		CleanerCleanCap:          0.50,
		CleanerBudget:            5,
		CleanerIdleWait:          5 * time.Second,
		Clock:                    realClock(),
		Metrics:                  NewMetrics(),
	}
}
