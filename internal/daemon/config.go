package daemon

import (
	"github.com/matheus3301/imsync/internal/config"
	"github.com/matheus3301/imsync/internal/offline"
	"github.com/matheus3301/imsync/internal/outbox"
	"github.com/matheus3301/imsync/internal/realtime"
	"github.com/matheus3301/imsync/internal/sync"
)

func managerConfig(cfg *config.Config) (offline.Config, error) {
	resolver, err := sync.ResolverFor(cfg.Sync.ConflictStrategy)
	if err != nil {
		return offline.Config{}, err
	}
	rt := cfg.Realtime
	return offline.Config{
		MaxRetries: cfg.Outbox.RetryLimit,
		Flusher: outbox.FlusherConfig{
			BatchSize:  cfg.Outbox.BatchSize,
			Interval:   cfg.Outbox.FlushInterval.Duration,
			Classifier: outbox.Classifier{RetryRateLimited: cfg.Outbox.RetryRateLimited},
		},
		Sync: sync.Config{
			PageSize:           cfg.Sync.PageSize,
			PollInterval:       cfg.Sync.PollInterval.Duration,
			LivenessWindow:     rt.SSELivenessWindow.Duration,
			CheckInterval:      rt.SSECheckInterval.Duration,
			ReconnectBaseDelay: rt.ReconnectBaseDelay.Duration,
			ReconnectMaxDelay:  rt.ReconnectMaxDelay.Duration,
			StabilityWindow:    rt.StabilityWindow.Duration,
			Resolver:           resolver,
		},
		SyncOnConnect: cfg.Sync.OnConnect,
		Continuous:    cfg.Sync.Continuous,
		Online:        cfg.Remote.BaseURL != "",
	}, nil
}

func realtimeConfig(cfg *config.Config) realtime.Config {
	rt := cfg.Realtime
	return realtime.Config{
		Token:                cfg.Remote.Token,
		AutoReconnect:        rt.AutoReconnect,
		MaxReconnectAttempts: rt.MaxReconnectAttempts,
		ReconnectBaseDelay:   rt.ReconnectBaseDelay.Duration,
		ReconnectMaxDelay:    rt.ReconnectMaxDelay.Duration,
		StabilityWindow:      rt.StabilityWindow.Duration,
		HeartbeatInterval:    rt.HeartbeatInterval.Duration,
		ProbeTimeout:         rt.ProbeTimeout.Duration,
		LivenessWindow:       rt.SSELivenessWindow.Duration,
		CheckInterval:        rt.SSECheckInterval.Duration,
	}
}
