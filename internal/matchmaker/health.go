package matchmaker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/ipc"
)

func (m *MatchMaker) runHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.HealthCheck(ctx); err != nil {
				m.logger.Warn("health check sweep failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// HealthCheck probes every other process that has published a room count and
// evicts the rooms of any that stopped answering. Concurrent calls share one
// sweep.
func (m *MatchMaker) HealthCheck(ctx context.Context) error {
	_, err, _ := m.health.Do("sweep", func() (any, error) {
		return nil, m.sweepProcesses(ctx)
	})
	return err
}

func (m *MatchMaker) sweepProcesses(ctx context.Context) error {
	counts, err := m.cfg.Presence.HGetAll(ctx, roomCountHashKey)
	if err != nil {
		return err
	}
	for pid := range counts {
		if pid == m.cfg.ProcessID {
			continue
		}
		_, pingErr := ipc.Request(ctx, m.cfg.Presence, processTopic+pid, "ping", nil, m.cfg.IPCTimeout)
		if pingErr == nil {
			continue
		}
		if errors.Is(pingErr, ipc.ErrTimeout) {
			m.evictProcess(ctx, pid)
		} else {
			m.logger.Warn("process ping failed",
				zap.String("targetProcessId", pid),
				zap.Error(pingErr))
		}
	}
	return nil
}

// evictProcess removes every trace of a dead process so its rooms stop
// surfacing in matchmaking.
func (m *MatchMaker) evictProcess(ctx context.Context, pid string) {
	m.logger.Warn("evicting unresponsive process", zap.String("targetProcessId", pid))
	if err := m.cfg.Driver.Cleanup(ctx, pid); err != nil {
		m.logger.Error("cleaning up rooms of dead process",
			zap.String("targetProcessId", pid),
			zap.Error(err))
	}
	if err := m.cfg.Presence.HDel(ctx, roomCountHashKey, pid); err != nil {
		m.logger.Warn("removing dead process room count",
			zap.String("targetProcessId", pid),
			zap.Error(err))
	}
}
