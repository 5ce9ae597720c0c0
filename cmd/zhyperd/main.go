// zhyperd is the single-node hypervisor control daemon: it supervises
// emulator and container machines, persists their specs to a filesystem
// datastore, and serves the JSON/HTTP control API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dpedu/zhyperd/internal/api"
	"github.com/dpedu/zhyperd/internal/config"
	"github.com/dpedu/zhyperd/internal/datastore"
	"github.com/dpedu/zhyperd/internal/registry"
	"github.com/dpedu/zhyperd/internal/tapmgr"
	"github.com/dpedu/zhyperd/internal/vmrt"
	"github.com/dpedu/zhyperd/internal/zlog"
)

var (
	f_config  = flag.String("c", "/etc/zd.json", "Config file path")
	f_verbose = flag.Bool("v", false, "Enable debug logging")
)

func init() {
	flag.StringVar(f_config, "config", "/etc/zd.json", "Config file path")
}

func main() {
	flag.Parse()

	if *f_verbose {
		zlog.SetLevel(zlog.DEBUG)
	}

	cfg, err := config.Load(*f_config)
	if err == config.ErrWroteDefault {
		zlog.Warn("config %s did not exist, wrote default, exiting", *f_config)
		return
	} else if err != nil {
		zlog.Fatal("load config: %v", err)
	}

	stores := datastore.NewSet()
	for name, dcfg := range cfg.Datastores {
		ds, err := datastore.Open(name, dcfg.Path, dcfg.Init)
		if err != nil {
			zlog.Fatal("open datastore %s at %s: %v", name, dcfg.Path, err)
		}
		stores.Add(ds)
		zlog.Info("opened datastore %s at %s", name, dcfg.Path)
	}

	reg := registry.New(stores, tapmgr.New(), vmrt.NewVariants())

	if err := reg.ReconcileOnStart(); err != nil {
		zlog.Fatal("reconcile state store: %v", err)
	}

	port := cfg.APIPort
	if port == 0 {
		port = 3000
	}
	srv := api.NewServer(reg, port)

	go func() {
		zlog.Info("node %s serving api on port %d", cfg.NodeName, port)
		if err := srv.ListenAndServe(); err != nil {
			zlog.Fatal("api server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	zlog.Info("got signal %v, shutting down", s)

	// API first so no new lifecycle requests arrive, then the machines.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zlog.Error("api shutdown: %v", err)
	}

	reg.Shutdown()

	zlog.Info("z has been shut down")
}
