// Package config holds the compile-time configuration surface of a
// dnxcore instance: tick rate, heap size, task limits, stack ranges,
// priority count, open-file limit and heap alignment; it has no
// setting for which modules are active. On real dnx RTOS these
// are preprocessor constants fixed at build time; here they are a
// single immutable struct built once at boot and threaded explicitly
// into every subsystem constructor, avoiding free-floating globals.
package config

import "time"

// Config is the boot-time configuration for one dnxcore instance.
type Config struct {
	// TickPeriod is the scheduler's fixed tick interval.
	TickPeriod time.Duration
	// HeapSize is the total number of bytes the heap manager may hand out.
	HeapSize int64
	// MaxTasks bounds the number of live tasks the scheduler will admit.
	MaxTasks int
	// MinStackWords / MaxStackWords bound a task's requested stack size.
	MinStackWords int
	MaxStackWords int
	// PriorityLevels is the number of distinct scheduler priorities,
	// numbered 0 (lowest) to PriorityLevels-1 (highest).
	PriorityLevels int
	// MaxOpenFiles bounds the per-process file descriptor table.
	MaxOpenFiles int
	// MutexRetries is carried in the configuration but read by no
	// subsystem: the VFS mount table lock is a plain mutex that neither
	// retries nor returns EBUSY.
	MutexRetries int
	// Alignment is the word size the heap manager rounds every
	// allocation up to.
	Alignment int
}

// Option mutates a Config under construction.
type Option func(*Config)

// TickPeriodOption overrides TickPeriod.
func TickPeriodOption(d time.Duration) Option {
	return func(c *Config) { c.TickPeriod = d }
}

// HeapSizeOption overrides HeapSize.
func HeapSizeOption(n int64) Option {
	return func(c *Config) { c.HeapSize = n }
}

// MaxTasksOption overrides MaxTasks.
func MaxTasksOption(n int) Option {
	return func(c *Config) { c.MaxTasks = n }
}

// PriorityLevelsOption overrides PriorityLevels.
func PriorityLevelsOption(n int) Option {
	return func(c *Config) { c.PriorityLevels = n }
}

// MaxOpenFilesOption overrides MaxOpenFiles.
func MaxOpenFilesOption(n int) Option {
	return func(c *Config) { c.MaxOpenFiles = n }
}

// AlignmentOption overrides Alignment.
func AlignmentOption(n int) Option {
	return func(c *Config) { c.Alignment = n }
}

// Default values for a freshly constructed Config.
const (
	DefaultTickPeriod     = 1 * time.Millisecond
	DefaultHeapSize       = 64 * 1024 * 1024
	DefaultMaxTasks       = 256
	DefaultMinStackWords  = 256
	DefaultMaxStackWords  = 1 << 16
	DefaultPriorityLevels = 8
	DefaultMaxOpenFiles   = 256
	DefaultMutexRetries   = 8
	DefaultAlignment      = 4
)

// New builds a Config from defaults overridden by opts.
func New(opts ...Option) *Config {
	c := &Config{
		TickPeriod:     DefaultTickPeriod,
		HeapSize:       DefaultHeapSize,
		MaxTasks:       DefaultMaxTasks,
		MinStackWords:  DefaultMinStackWords,
		MaxStackWords:  DefaultMaxStackWords,
		PriorityLevels: DefaultPriorityLevels,
		MaxOpenFiles:   DefaultMaxOpenFiles,
		MutexRetries:   DefaultMutexRetries,
		Alignment:      DefaultAlignment,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}
