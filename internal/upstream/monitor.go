package upstream

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const maxPingTimeout = 10 * time.Second

// startMonitor runs the health loop of s until the session closes.
// A zero health check interval disables pings.
func (p *Pool) startMonitor(s *Session) {
	interval := p.cfg.HealthCheckInterval.Duration()
	if interval <= 0 {
		return
	}
	p.monitors.Add(1)
	go func() {
		defer p.monitors.Done()
		p.monitor(s, interval)
	}()
}

func (p *Pool) monitor(s *Session, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	maxFailures := p.cfg.MaxPingFailures
	if maxFailures <= 0 {
		maxFailures = 1
	}
	pingTimeout := interval
	if pingTimeout > maxPingTimeout {
		pingTimeout = maxPingTimeout
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		if err := p.ping(s, pingTimeout); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			failures := s.state.RecordPingFailure(err)
			s.logger.Warn("Health check failed",
				zap.Int("consecutive_failures", failures),
				zap.Int("max_failures", maxFailures),
				zap.Error(err))

			if failures >= maxFailures {
				_ = p.teardown(s, fmt.Errorf("%d consecutive health checks failed: %w", failures, err))
				return
			}
			continue
		}

		s.state.RecordSuccess()
	}
}

// ping checks the session with an MCP ping bounded by timeout
func (p *Pool) ping(s *Session, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	return s.client.Ping(ctx)
}
