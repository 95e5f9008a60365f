package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.viam.com/rdk/logging"
)

type linkEntry struct {
	link     *Link
	config   Config
	refCount int64 // atomic
	mu       sync.RWMutex
}

// Registry shares one Link per serial port between every user configured
// on that port.
type Registry struct {
	open    Opener
	entries map[string]*linkEntry // port path -> entry
	mu      sync.RWMutex
}

// DefaultRegistry opens real serial ports.
var DefaultRegistry = NewRegistry(nil)

func NewRegistry(open Opener) *Registry {
	return &Registry{
		open:    open,
		entries: make(map[string]*linkEntry),
	}
}

// Acquire returns the connected link for cfg.Port, opening it on first use.
// A port already open with different settings is a conflict.
func (r *Registry) Acquire(ctx context.Context, cfg Config, logger logging.Logger) (*Link, error) {
	cfg = cfg.withDefaults()

	r.mu.RLock()
	entry, exists := r.entries[cfg.Port]
	r.mu.RUnlock()

	if exists {
		return r.shareExisting(entry, cfg)
	}
	return r.createNew(ctx, cfg, logger)
}

func (r *Registry) shareExisting(entry *linkEntry, cfg Config) (*Link, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.link == nil {
		return nil, fmt.Errorf("link not available for port %s", cfg.Port)
	}
	if entry.config != cfg {
		currentRefCount := atomic.LoadInt64(&entry.refCount)
		return nil, fmt.Errorf("conflict: port %s already open with different settings (refCount: %d)", cfg.Port, currentRefCount)
	}
	atomic.AddInt64(&entry.refCount, 1)
	return entry.link, nil
}

func (r *Registry) createNew(ctx context.Context, cfg Config, logger logging.Logger) (*Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.entries[cfg.Port]; exists {
		return r.shareExisting(entry, cfg)
	}

	entry := &linkEntry{config: cfg}
	link := NewLink(cfg, r.open, logger)
	if err := link.Connect(ctx); err != nil {
		// failed opens are not cached so a later attempt can retry
		return nil, fmt.Errorf("failed to open serial link: %w", err)
	}
	entry.link = link
	atomic.StoreInt64(&entry.refCount, 1)
	r.entries[cfg.Port] = entry
	return link, nil
}

// Release drops one reference and closes the link when none remain.
func (r *Registry) Release(port string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, exists := r.entries[port]
	if !exists {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if atomic.AddInt64(&entry.refCount, -1) > 0 {
		return
	}
	if entry.link != nil {
		if err := entry.link.Disconnect(); err != nil {
			entry.link.logger.Warnf("error closing shared link for port %s: %v", port, err)
		}
	}
	delete(r.entries, port)
	entry.link = nil
	atomic.StoreInt64(&entry.refCount, 0)
}

// Reopen closes the shared link for port and opens the port again. Every
// holder keeps the same *Link; only the underlying connection is replaced.
func (r *Registry) Reopen(ctx context.Context, port string) error {
	r.mu.RLock()
	entry, exists := r.entries[port]
	r.mu.RUnlock()
	if !exists {
		return fmt.Errorf("no shared link for port %s", port)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.link == nil {
		return fmt.Errorf("shared link for port %s is closed", port)
	}
	if err := entry.link.Disconnect(); err != nil {
		entry.link.logger.Warnf("error closing shared link for port %s: %v", port, err)
	}
	return entry.link.Connect(ctx)
}

// Status reports the reference count, whether a link exists and a summary.
func (r *Registry) Status(port string) (int64, bool, string) {
	r.mu.RLock()
	entry, exists := r.entries[port]
	r.mu.RUnlock()
	if !exists {
		return 0, false, ""
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()

	summary := fmt.Sprintf("Serial: %s@%d, gear ratio %.1f", entry.config.Port, entry.config.Baudrate, entry.config.GearRatio)
	return atomic.LoadInt64(&entry.refCount), entry.link != nil, summary
}
