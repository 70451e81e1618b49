// Package app assembles and runs the mesh daemon: config, storage,
// the component set, the libp2p transport, and the diagnostics server.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/meshlink/meshlink/internal/config"
	"github.com/meshlink/meshlink/internal/diag"
	"github.com/meshlink/meshlink/internal/eventbus"
	"github.com/meshlink/meshlink/internal/quality"
	"github.com/meshlink/meshlink/internal/reconnect"
	"github.com/meshlink/meshlink/internal/router"
	"github.com/meshlink/meshlink/internal/service"
	"github.com/meshlink/meshlink/internal/storage"
	"github.com/meshlink/meshlink/internal/timeout"
	"github.com/meshlink/meshlink/internal/transport"
)

var log = logging.Logger("meshlink/app")

// Options carries what main resolves from flags.
type Options struct {
	CfgPath string
	Cfg     config.Config
}

// Run starts the daemon and blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	db, err := storage.Open(cfg.Device.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()
	log.Infof("database at %s", db.Path())

	bus := eventbus.NewWithHistory(cfg.Router.HistoryCap)
	defer bus.Close()

	timeouts := timeout.New()
	defer timeouts.Close()

	qm := quality.New(quality.Config{
		WindowSize:    cfg.Quality.WindowSize,
		SweepInterval: time.Duration(cfg.Quality.SweepSec) * time.Second,
		StaleAfter:    time.Duration(cfg.Quality.StaleAfterSec) * time.Second,
	})
	qm.Start(ctx)
	defer qm.Close()

	// The dial callback is bound after the transport exists
	// (SetCallback below).
	reconn := reconnect.New(reconnect.Config{
		InitialDelay: time.Duration(cfg.Reconnect.InitialDelaySec) * time.Second,
		MaxDelay:     time.Duration(cfg.Reconnect.MaxDelaySec) * time.Second,
		MaxAttempts:  cfg.Reconnect.MaxAttempts,
		Exponential:  cfg.Reconnect.Exponential,
	}, nil)
	defer reconn.Close()

	// The local device id comes from the identity key, so the router and
	// service learn it only after the transport is up (SetSelfID below).
	rtr := router.New(router.Config{
		Repo:        db,
		DedupWindow: time.Duration(cfg.Router.DedupWindowSec) * time.Second,
		QueueCap:    cfg.Router.QueueCap,
	})
	defer rtr.Close()

	svc := service.New(service.Config{
		SelfName:  cfg.Device.Name,
		Bus:       bus,
		Timeouts:  timeouts,
		Reconnect: reconn,
		Quality:   qm,
		Router:    rtr,
		Repo:      db,
		PingSec:   cfg.Transport.PingSec,
	})
	defer svc.Close()
	svc.ApplyConfig(cfg)

	keyFile := resolvePath(cfg.Device.DataDir, cfg.Device.KeyFile)
	node, err := transport.New(ctx, cfg.Transport, cfg.Device.Name, keyFile, svc)
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	defer node.Close()

	svc.SetSelfID(node.ID())
	svc.SetTransport(node)
	rtr.SetResolver(node)
	reconn.SetCallback(func(ctx context.Context, peerID string, info reconnect.PeerInfo) (bool, error) {
		if err := node.Connect(ctx, peerID, info.Addrs); err != nil {
			return false, err
		}
		return true, nil
	})
	svc.Start(ctx)
	node.RunPresenceAnnouncer(ctx, time.Duration(cfg.Transport.PingSec)*time.Second)

	if cfg.Diag.HTTPAddr != "" {
		ds := diag.New(bus, qm, timeouts, reconn)
		go func() {
			if err := ds.Serve(cfg.Diag.HTTPAddr); err != nil {
				log.Errorf("diagnostics server: %v", err)
			}
		}()
		defer ds.Close()
	}

	if opt.CfgPath != "" {
		if err := config.Watch(ctx, opt.CfgPath, svc.ApplyConfig); err != nil {
			log.Warnf("config watch disabled: %v", err)
		}
	}

	log.Infof("node %s (%s) up", node.ID(), cfg.Device.Name)
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// resolvePath keeps absolute paths and anchors relative ones in baseDir.
func resolvePath(baseDir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
