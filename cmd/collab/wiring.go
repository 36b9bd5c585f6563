package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/adapters/discovery"
	"github.com/dkeye/Collab/internal/adapters/rtc"
	"github.com/dkeye/Collab/internal/app"
	"github.com/dkeye/Collab/internal/config"
	"github.com/dkeye/Collab/internal/domain"
	"github.com/dkeye/Collab/internal/media"
	"github.com/dkeye/Collab/internal/presence"
	"github.com/dkeye/Collab/internal/store"
	"github.com/dkeye/Collab/internal/transport"
)

// closers run in reverse order on shutdown.
type closers []func() error

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			log.Warn().Err(err).Msg("shutdown")
		}
	}
}

func openSnapshots(cfg *config.Config) (store.SnapshotStore, func() error, error) {
	switch cfg.SnapshotDriver {
	case "bolt":
		b, err := store.OpenBolt(cfg.SnapshotPath)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	case "file":
		d, err := store.OpenDir(cfg.SnapshotPath)
		if err != nil {
			return nil, nil, err
		}
		return d, func() error { return nil }, nil
	default:
		return store.Nop{}, func() error { return nil }, nil
	}
}

func relayURL(ctx context.Context, cfg *config.Config) (string, error) {
	if cfg.RelayURL != "" || !cfg.Discovery {
		if cfg.RelayURL == "" {
			return "", fmt.Errorf("relay_url is empty and discovery is off")
		}
		return cfg.RelayURL, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return discovery.Browse(ctx)
}

func linkFactory(ctx context.Context, cfg *config.Config) (func(domain.RoomID) (transport.Link, error), func() error, error) {
	noop := func() error { return nil }
	switch cfg.Transport {
	case "relay":
		u, err := relayURL(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("url", u).Msg("using relay")
		return func(domain.RoomID) (transport.Link, error) {
			return transport.NewWSLink(transport.WSOptions{URL: u, ReadLimit: cfg.ReadLimit}), nil
		}, noop, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		return func(domain.RoomID) (transport.Link, error) {
			return transport.NewRedisLink(rdb), nil
		}, rdb.Close, nil
	default:
		bus := transport.NewBus()
		return func(domain.RoomID) (transport.Link, error) { return bus.Link(), nil }, noop, nil
	}
}

func buildRegistry(ctx context.Context, cfg *config.Config) (*app.Registry, closers, error) {
	var cl closers

	snaps, closeSnaps, err := openSnapshots(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open snapshots: %w", err)
	}
	cl = append(cl, closeSnaps)

	links, closeLinks, err := linkFactory(ctx, cfg)
	if err != nil {
		cl.run()
		return nil, nil, err
	}
	cl = append(cl, closeLinks)

	peers, err := rtc.NewFactory(cfg.ICEServers)
	if err != nil {
		cl.run()
		return nil, nil, err
	}

	// No device access here; the microphone is a silence generator.
	capturer := rtc.NewCapturer(rtc.Sources{
		Audio: func() (rtc.SampleSource, error) { return rtc.Silence{}, nil },
	})

	reg := app.NewRegistry(app.Options{
		Transport:          links,
		PeerLinks:          peers,
		Capturer:           capturer,
		Constraints:        media.Constraints{Audio: true},
		Snapshots:          snaps,
		Presence:           presence.Options{Window: cfg.LivenessWindow, Refresh: cfg.PresenceRefresh},
		Sync:               transport.SyncOptions{FlushInterval: cfg.FlushInterval, AntiEntropyInterval: cfg.AntiEntropy},
		NegotiationTimeout: cfg.NegotiationTimeout,
	})
	return reg, cl, nil
}
