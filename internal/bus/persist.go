package bus

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ralphd/ralphd/internal/events"
	"github.com/ralphd/ralphd/internal/logging"
	"github.com/ralphd/ralphd/internal/redact"
)

const (
	// DefaultRetentionDays is how long daily event files are kept.
	DefaultRetentionDays = 14
	// DefaultFlushTimeout bounds how long Flush waits for buffered lines.
	DefaultFlushTimeout = 5 * time.Second
)

// dayFileRe matches exactly the files the persister owns. Anything else in
// the directory is left alone by retention.
var dayFileRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}\.jsonl$`)

// PersisterConfig configures event persistence.
type PersisterConfig struct {
	Dir           string
	RetentionDays int
	FlushTimeout  time.Duration
}

// Persister is a bus subscriber that appends each event as one redacted JSON
// line to a UTC-day file named YYYY-MM-DD.jsonl. Appends are best-effort:
// a write failure is logged and the event dropped rather than blocking the
// bus.
type Persister struct {
	cfg    PersisterConfig
	logger *slog.Logger

	mu      sync.Mutex
	pending [][]byte
	flushCh chan chan struct{}
	done    chan struct{}
	cron    *cron.Cron
	unsub   func()
}

// NewPersister creates a persister writing under cfg.Dir and starts its
// background writer plus a daily retention sweep.
func NewPersister(cfg PersisterConfig) (*Persister, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create events directory: %w", err)
	}

	p := &Persister{
		cfg:     cfg,
		logger:  logging.WithComponent("event-persist"),
		flushCh: make(chan chan struct{}, 1),
		done:    make(chan struct{}),
		cron:    cron.New(cron.WithLocation(time.UTC)),
	}
	go p.writeLoop()

	// Sweep once at startup, then daily just after the UTC day rolls over.
	p.sweep()
	if _, err := p.cron.AddFunc("5 0 * * *", p.sweep); err != nil {
		return nil, fmt.Errorf("failed to schedule retention sweep: %w", err)
	}
	p.cron.Start()

	return p, nil
}

// Attach subscribes the persister to b. Call Close to detach and drain.
func (p *Persister) Attach(b *Bus) {
	p.unsub = b.Subscribe(p.handle, SubscribeOptions{})
}

func (p *Persister) handle(e events.Event) {
	raw, err := events.SafeMarshal(e)
	if err != nil {
		p.logger.Warn("dropping invalid event", slog.Any("error", err))
		return
	}
	line := []byte(redact.SensitiveText(string(raw), redact.Options{}))

	p.mu.Lock()
	p.pending = append(p.pending, line)
	p.mu.Unlock()

	// Nudge the writer without blocking the publisher.
	select {
	case p.flushCh <- nil:
	default:
	}
}

func (p *Persister) writeLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case ack := <-p.flushCh:
			p.drain()
			if ack != nil {
				close(ack)
			}
		case <-ticker.C:
			p.drain()
		case <-p.done:
			p.drain()
			return
		}
	}
}

func (p *Persister) drain() {
	p.mu.Lock()
	lines := p.pending
	p.pending = nil
	p.mu.Unlock()
	if len(lines) == 0 {
		return
	}

	name := filepath.Join(p.cfg.Dir, time.Now().UTC().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		p.logger.Warn("failed to open event file", slog.String("file", name), slog.Any("error", err))
		return
	}
	defer func() { _ = f.Close() }()

	for _, line := range lines {
		if _, err := f.Write(append(line, '\n')); err != nil {
			p.logger.Warn("failed to append event", slog.Any("error", err))
			return
		}
	}
}

// Flush forces buffered lines to disk, waiting up to the configured timeout.
// It returns false on expiry; buffered work is kept for the next drain.
func (p *Persister) Flush() bool {
	ack := make(chan struct{})
	select {
	case p.flushCh <- ack:
	case <-time.After(p.cfg.FlushTimeout):
		return false
	}
	select {
	case <-ack:
		return true
	case <-time.After(p.cfg.FlushTimeout):
		return false
	}
}

// sweep deletes day files older than the retention window. Only files whose
// name matches YYYY-MM-DD.jsonl exactly are considered.
func (p *Persister) sweep() {
	entries, err := os.ReadDir(p.cfg.Dir)
	if err != nil {
		p.logger.Warn("retention sweep failed", slog.Any("error", err))
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -p.cfg.RetentionDays)
	for _, entry := range entries {
		name := entry.Name()
		if !dayFileRe.MatchString(name) {
			continue
		}
		day, err := time.Parse("2006-01-02", name[:10])
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			if err := os.Remove(filepath.Join(p.cfg.Dir, name)); err != nil {
				p.logger.Warn("failed to delete expired event file", slog.String("file", name), slog.Any("error", err))
			}
		}
	}
}

// Close detaches from the bus, drains pending lines, and stops the sweep.
func (p *Persister) Close() {
	if p.unsub != nil {
		p.unsub()
	}
	p.cron.Stop()
	close(p.done)
}
