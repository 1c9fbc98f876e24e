// Package audit records security-relevant events without ever holding up
// the request that produced them.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"portal-auth/internal/bucketing"
	"portal-auth/internal/config"
	"portal-auth/internal/models"
	"portal-auth/internal/util"
)

// Recorder buffers entries and fans each one out to every sink from a single
// background goroutine. A nil *Recorder discards everything.
type Recorder struct {
	cfg     config.AuditConfig
	buckets *bucketing.BucketingManager
	sinks   []Sink

	ch        chan models.AuditEntry
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

func NewRecorder(cfg config.AuditConfig, buckets *bucketing.BucketingManager, sinks ...Sink) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 5 * time.Second
	}

	r := &Recorder{
		cfg:     cfg,
		buckets: buckets,
		sinks:   sinks,
		ch:      make(chan models.AuditEntry, cfg.BufferSize),
		done:    make(chan struct{}),
	}

	r.wg.Add(1)
	go r.run()

	return r
}

func (r *Recorder) run() {
	defer r.wg.Done()

	for {
		select {
		case entry := <-r.ch:
			r.dispatch(entry)
		case <-r.done:
			for {
				select {
				case entry := <-r.ch:
					r.dispatch(entry)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) dispatch(entry models.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SinkTimeout)
	defer cancel()

	var g errgroup.Group
	for _, sink := range r.sinks {
		sink := sink
		g.Go(func() error {
			if err := sink.Write(ctx, &entry); err != nil {
				util.Warn("Audit sink write failed",
					zap.String("sink", sink.Name()),
					zap.String("entry_id", entry.EntryID),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Record enqueues entry. It never blocks past ctx and never fails the caller.
func (r *Recorder) Record(ctx context.Context, entry models.AuditEntry) {
	if r == nil || r.closed.Load() {
		return
	}

	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	if r.buckets != nil {
		key := entry.AccountID
		if key == "" {
			key = entry.EntryID
		}
		assignment := r.buckets.Assign(key, entry.OccurredAt)
		entry.EventBucket = assignment.EventBucket
		entry.DateBucket = assignment.DateBucket
	}

	if r.cfg.DropIfFull {
		select {
		case r.ch <- entry:
		case <-r.done:
		default:
			r.dropped.Add(1)
		}
		return
	}

	select {
	case r.ch <- entry:
	case <-ctx.Done():
		r.dropped.Add(1)
	case <-r.done:
	}
}

// Close stops accepting entries and flushes what is already buffered.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.done)
		r.wg.Wait()

		if dropped := r.dropped.Load(); dropped > 0 {
			util.Warn("Audit entries dropped", zap.Uint64("count", dropped))
		}
	})
}

func (r *Recorder) Dropped() uint64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}
