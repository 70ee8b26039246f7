package journal

import (
	"context"
	"errors"
	"sync"
)

// Stream delivers journal rows in seq order. Close releases it.
type Stream struct {
	ch     chan Record
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// C returns the delivery channel, closed when the stream ends.
func (s *Stream) C() <-chan Record { return s.ch }

// Close stops the stream and waits for its goroutine to exit.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
}

// Err returns the read error that ended the stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Changes streams every row with seq > since: first the stored backlog, then
// live rows as they are written. The live subscription is registered before
// the backlog is read, so no row written in between is missed; rows at or
// below the last delivered seq are skipped.
func (j *Journal) Changes(ctx context.Context, since int64) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		ch:     make(chan Record),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx, j, since)
	return s
}

func (s *Stream) run(ctx context.Context, j *Journal, last int64) {
	defer close(s.done)
	defer close(s.ch)

	for {
		sub := j.hub.Subscribe()

		next, err := s.catchUp(ctx, j, last)
		if err != nil {
			sub.Close()
			s.fail(err)
			return
		}
		last = next

		overflowed := false
	live:
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case r, ok := <-sub.C():
				if !ok {
					overflowed = sub.Overflowed()
					break live
				}
				if r.Seq <= last {
					continue
				}
				if !s.send(ctx, r) {
					sub.Close()
					return
				}
				last = r.Seq
			}
		}
		if !overflowed {
			// Journal closed.
			return
		}
		j.logger.Debug("journal stream overflowed, catching up", "since", last)
	}
}

func (s *Stream) catchUp(ctx context.Context, j *Journal, last int64) (int64, error) {
	for {
		page, err := j.EntriesSince(ctx, last, DefaultPageSize)
		if err != nil {
			return last, err
		}
		for _, r := range page {
			if !s.send(ctx, r) {
				return last, ctx.Err()
			}
			last = r.Seq
		}
		if len(page) < DefaultPageSize {
			return last, nil
		}
	}
}

func (s *Stream) send(ctx context.Context, r Record) bool {
	select {
	case s.ch <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Stream) fail(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
