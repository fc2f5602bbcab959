package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

func (s *Session) runKeepAlive(ctx context.Context) {
	t := time.NewTicker(s.opts.KeepAlive)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.tick(ctx)
		}
	}
}

// tick probes one idle page. A busy pool is skipped; real traffic already
// proves the session alive.
func (s *Session) tick(ctx context.Context) {
	s.mu.Lock()
	st, pool := s.state, s.pool
	s.mu.Unlock()

	if st == StateError {
		s.log.Info("keep-alive: retrying recovery")
		_ = s.recover(ctx)
		return
	}
	if !st.Usable() {
		return
	}

	l, ok := pool.TryAcquire()
	if !ok {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	err := s.opts.Probe(pctx, l.page)
	cancel()
	l.Release()

	if err == nil || ctx.Err() != nil {
		return
	}
	s.log.Warn("keep-alive probe failed", zap.Error(err))
	s.emit(EventExpired, err)
	_ = s.recover(ctx)
}
