package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/111bobmoin/myLLMhoneynet/api/schemas"
)

// ArchivingSink tees events from a local sink into the archive through an
// out-of-band flusher. The local append is authoritative: when it fails the
// event is lost and the error surfaces; when only archiving fails the event
// is dropped from the archive queue with a warning and the local spool
// keeps the record.
type ArchivingSink struct {
	local   schemas.EventSink
	archive *Archive
	log     *zap.Logger

	queue    chan schemas.Event
	flushMax int
	interval time.Duration

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

// NewArchivingSink starts the background flusher. flushMax bounds a single
// CopyFrom batch; interval bounds how long an event waits in the queue.
func NewArchivingSink(local schemas.EventSink, archive *Archive, logger *zap.Logger) *ArchivingSink {
	s := &ArchivingSink{
		local:    local,
		archive:  archive,
		log:      logger.Named("archive_sink"),
		queue:    make(chan schemas.Event, 1024),
		flushMax: 128,
		interval: 2 * time.Second,
		stop:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.flusher()
	return s
}

var _ schemas.EventSink = (*ArchivingSink)(nil)

// Append writes the event locally, then enqueues it for archiving. A full
// queue degrades to local-only rather than blocking a live session.
func (s *ArchivingSink) Append(ctx context.Context, ev schemas.Event) error {
	if err := s.local.Append(ctx, ev); err != nil {
		return err
	}
	select {
	case s.queue <- ev:
	default:
		s.log.Warn("archive queue full, event kept local-only",
			zap.String("host", ev.Host), zap.String("kind", string(ev.Kind)))
	}
	return nil
}

func (s *ArchivingSink) flusher() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var batch []schemas.Event
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.archive.ArchiveBatch(ctx, batch); err != nil {
			s.log.Warn("event archiving failed, spool remains authoritative",
				zap.Int("events", len(batch)), zap.Error(err))
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case <-s.stop:
			// Drain whatever arrived before shutdown.
			for {
				select {
				case ev := <-s.queue:
					batch = append(batch, ev)
					if len(batch) >= s.flushMax {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case <-ticker.C:
			flush()
		case ev := <-s.queue:
			batch = append(batch, ev)
			if len(batch) >= s.flushMax {
				flush()
			}
		}
	}
}

// Close flushes the queue and stops the flusher.
func (s *ArchivingSink) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(15 * time.Second):
		return fmt.Errorf("archive sink: flusher did not stop")
	}
}
