package main

import (
	"context"
	"flag"
	"log"

	"github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"rms/internal/engine"
	"rms/internal/ops"
	"rms/internal/persist"
)

func main() {
	configPath := flag.String("config", "config/rms.yaml", "Path to YAML config")
	restore := flag.String("restore", "", "Restore the store from this checkpoint before starting")
	checkpointOnExit := flag.String("checkpoint-on-exit", "", "Write a checkpoint with this name after shutdown")
	flag.Parse()

	cfg, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	if cfg.Profiling.PyroscopeAddr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "rms",
			ServerAddress:   cfg.Profiling.PyroscopeAddr,
			Logger:          emptyLogger{},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	var deps engine.Deps
	if *restore != "" {
		store, err := persist.Open(persist.Options{
			Path:            cfg.Database.Path,
			WriteBufferSize: cfg.Database.WriteBufferSize,
			SyncWrites:      cfg.Database.SyncWrites,
		})
		if err != nil {
			log.Fatalf("open store failed: %v", err)
		}
		if err := store.RestoreFromCheckpoint(*restore); err != nil {
			_ = store.Close()
			log.Fatalf("restore from %s failed: %v", *restore, err)
		}
		logs.Infof("store restored from %s", *restore)
		deps.Gateway = store
		defer func() {
			if err := store.Close(); err != nil {
				logs.Errorf("close store, err: %+v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := engine.New(cfg, deps)
	if err := e.Initialize(); err != nil {
		log.Fatalf("engine initialize failed: %v", err)
	}
	if err := e.Start(ctx); err != nil {
		e.Stop()
		log.Fatalf("engine start failed: %v", err)
	}

	<-sys.Shutdown()
	logs.Info("shutdown signal received")

	if *checkpointOnExit != "" {
		if err := e.CreateCheckpoint(ctx, *checkpointOnExit); err != nil {
			logs.Errorf("checkpoint %s failed, err: %+v", *checkpointOnExit, err)
		}
	}
	cancel()
	e.Stop()
}

type emptyLogger struct{}

func (emptyLogger) Infof(_ string, _ ...interface{})  {}
func (emptyLogger) Debugf(_ string, _ ...interface{}) {}
func (emptyLogger) Errorf(_ string, _ ...interface{}) {}
