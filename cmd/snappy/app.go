package main

import (
	"fmt"
	"os"

	"github.com/snappyhq/snappy-go/internal/api"
	"github.com/snappyhq/snappy-go/internal/auth"
	"github.com/snappyhq/snappy-go/internal/cache"
	"github.com/snappyhq/snappy-go/internal/config"
	"github.com/snappyhq/snappy-go/internal/gateway"
	"github.com/snappyhq/snappy-go/internal/store"
	"github.com/snappyhq/snappy-go/internal/syncer"
)

// app wires the client stack for one command invocation.
type app struct {
	cfg    *config.Config
	tokens *auth.Manager
	client *api.Client
	ctl    *syncer.Controller
	snap   *store.Store
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if apiAddr != "" {
		cfg.APIAddr = apiAddr
	}

	tokens := auth.NewManager(cfg.CredentialsPath())
	gw := gateway.New(cfg.APIAddr, tokens)
	gw.OnSessionLost(func() {
		fmt.Fprintln(os.Stderr, "Session expired. Run: snappy login")
	})
	client := api.New(gw, tokens)

	// The snapshot DB is a convenience; run without it if it fails.
	snap, err := store.New(cfg.SnapshotDBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: offline snapshot disabled: %v\n", err)
		snap = nil
	}

	cacheStore := cache.NewStore(cfg.StaleAfter)
	var snapshotter syncer.Snapshotter
	if snap != nil {
		snapshotter = snap
	}
	ctl := syncer.New(client, cacheStore, snapshotter)

	return &app{
		cfg:    cfg,
		tokens: tokens,
		client: client,
		ctl:    ctl,
		snap:   snap,
	}, nil
}

func (a *app) close() {
	if a.snap != nil {
		a.snap.Close()
	}
}
