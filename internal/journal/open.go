package journal

import (
	"context"

	"github.com/opencog/cogserver-net/internal/config"
	"github.com/opencog/cogserver-net/internal/logger"
	"github.com/opencog/cogserver-net/internal/metrics"
)

// Open builds the backends enabled in cfg. If one fails to open, the ones
// already opened are closed again.
func Open(ctx context.Context, cfg config.JournalConfig, m *metrics.Metrics) (*WriteThrough, error) {
	var backends []Backend
	fail := func(err error) (*WriteThrough, error) {
		New(backends).Close()
		return nil, err
	}

	if cfg.Memory.Enabled {
		backends = append(backends, NewMemoryBackend(cfg.Memory.TTL, cfg.Memory.Limit))
	}
	if cfg.SQL.Enabled {
		b, err := OpenSQL(cfg.SQL)
		if err != nil {
			return fail(err)
		}
		backends = append(backends, b)
	}
	if cfg.Redis.Enabled {
		b, err := OpenRedis(ctx, cfg.Redis)
		if err != nil {
			return fail(err)
		}
		backends = append(backends, b)
	}

	w := New(backends, WithMetrics(m), WithTimeout(cfg.Timeout))
	logger.Info("Journal opened", "backends", w.Names())
	return w, nil
}
