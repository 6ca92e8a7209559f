// Command companiond runs the attention-state companion's runtime:
// the in-process event bus, the sliding-window analysis pipeline, the
// event store, and the orchestrator tying every lifecycle module together.
// Grounded in application.go's StdApplication.Run: Init, then Start, then
// block on an interrupt signal, then Stop.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowloop/companion/internal/applog"
	"github.com/flowloop/companion/internal/bus"
	"github.com/flowloop/companion/internal/classifier"
	"github.com/flowloop/companion/internal/config"
	"github.com/flowloop/companion/internal/diagnostics"
	"github.com/flowloop/companion/internal/fault"
	"github.com/flowloop/companion/internal/modules"
	"github.com/flowloop/companion/internal/orchestrator"
	"github.com/flowloop/companion/internal/pipeline"
	"github.com/flowloop/companion/internal/recovery"
	"github.com/flowloop/companion/internal/registry"
	"github.com/flowloop/companion/internal/resourcemon"
	"github.com/flowloop/companion/internal/store"
)

// ingestSubscriberBuffer bounds the Storage/AnalysisEngine subscriptions that
// drive the live capture->store->analysis flow (spec §2/§4.7).
const ingestSubscriberBuffer = 256

func main() {
	configPath := flag.String("config", "companion.toml", "path to the bootstrap TOML configuration")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	log := applog.New(*logLevel)

	if err := run(*configPath, log); err != nil {
		log.Error("companiond exited with error", "err", err)
		os.Exit(1)
	}
}

func run(configPath string, log applog.Logger) error {
	watcher, err := config.NewWatcher(configPath, log)
	if err != nil {
		log.Warn("no config file found, using built-in defaults", "path", configPath, "err", err)
		watcher = nil
	}
	settings := config.Default()
	if watcher != nil {
		settings = watcher.Current()
	}

	b := bus.NewBus(settings.ToBusConfig(), log)
	reg := registry.New()
	dlq := fault.NewDLQ(settings.Bus.DeadLetterQueueSize, 24*time.Hour)
	b.SetDeadLetterSink(dlq)

	st, err := store.Open(settings.ToStoreConfig(), log)
	if err != nil {
		return fmt.Errorf("companiond: open store: %w", err)
	}
	defer st.Close()
	writeBuf := store.NewWriteBuffer(st, settings.Store.WriteBufferSize, store.DefaultConfig().WriteBufferWindow, log)

	resMon := resourcemon.New(resourcemon.NewProcSampler(), settings.ToResourceMonConfig(), b, log)

	pipe := pipeline.New("default", settings.ToPipelineConfig(), classifier.NewStub(), resMon, b, log)

	orch := orchestrator.New(b, reg, settings.ToOrchestratorConfig(), log)

	recoveryCfg := recovery.DefaultConfig()
	recoveryCtl := recovery.New(recoveryCfg, recovery.Actions{
		RestartModule: func(ctx context.Context, moduleID string) error {
			return orch.RestartModule(ctx, moduleID)
		},
		Escalate: func(ctx context.Context, incident *recovery.Incident) error {
			log.Error("recovery ladder exhausted, escalating", "module", incident.ModuleID, "cause", incident.Cause)
			return nil
		},
	})
	errHealthExceeded := errors.New("health check failures exceeded threshold")
	orch.SetUnhealthyHandler(func(moduleID string) {
		if _, err := recoveryCtl.OnIncident(context.Background(), moduleID, errHealthExceeded); err != nil {
			log.Error("recovery controller could not act", "module", moduleID, "err", err)
		}
	})

	var storageSub, analysisSub *bus.Subscription
	var stopWriteBuf context.CancelFunc
	storageDone := make(chan struct{})
	analysisDone := make(chan struct{})

	for _, m := range []orchestrator.Module{
		modules.NewDataCapture(b, log),
		orchestrator.NewModuleFunc("Storage", func(ctx context.Context) error {
			// ctx is the orchestrator's start-up context, cancelled once Start
			// returns, so the write buffer runs on a context of its own.
			var bufCtx context.Context
			bufCtx, stopWriteBuf = context.WithCancel(context.Background())
			go writeBuf.Run(bufCtx)
			storageSub = b.Subscribe("Storage", bus.Filter{Clauses: []bus.FilterClause{
				{MessageTypes: []bus.PayloadKind{bus.KindRawEvent, bus.KindEventBatch}},
			}}, bus.BestEffort, ingestSubscriberBuffer, 0)
			go runStorageIngest(storageSub, storageDone, writeBuf, st, log)
			return nil
		}, func(ctx context.Context) error {
			close(storageDone)
			if storageSub != nil {
				b.Unsubscribe(storageSub.ID())
			}
			if stopWriteBuf != nil {
				stopWriteBuf()
			}
			<-writeBuf.Done()
			return nil
		}),
		orchestrator.NewModuleFunc("AnalysisEngine", func(ctx context.Context) error {
			analysisSub = b.Subscribe("AnalysisEngine", bus.Filter{Clauses: []bus.FilterClause{
				{MessageTypes: []bus.PayloadKind{bus.KindRawEvent}},
			}}, bus.BestEffort, ingestSubscriberBuffer, 0)
			go runAnalysisIngest(analysisSub, analysisDone, pipe, log)
			return nil
		}, func(ctx context.Context) error {
			close(analysisDone)
			if analysisSub != nil {
				b.Unsubscribe(analysisSub.ID())
			}
			return nil
		}),
		modules.NewGamification(b, log),
		modules.NewAIIntegration(b, log),
		modules.NewCuteFigurine(b, log),
	} {
		if err := orch.RegisterModule(m); err != nil {
			return fmt.Errorf("companiond: register module %s: %w", m.Name(), err)
		}
	}

	retentionSched := store.NewRetentionScheduler(st, settings.ToRetentionConfig(), settings.Store.CompactionInterval, log)

	diag := diagnostics.New(diagnostics.DefaultConfig(), b, reg, dlq, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.Start(ctx)

	if err := orch.StartSystem(ctx); err != nil {
		return fmt.Errorf("companiond: startup failed: %w", err)
	}
	orch.StartHealthPolling(ctx)

	if err := resMon.Start(ctx); err != nil {
		return fmt.Errorf("companiond: resource monitor: %w", err)
	}
	if err := diag.Start(ctx); err != nil {
		return fmt.Errorf("companiond: diagnostics server: %w", err)
	}
	if err := retentionSched.Start(ctx); err != nil {
		return fmt.Errorf("companiond: retention scheduler: %w", err)
	}

	if watcher != nil {
		watcher.OnChange(func(s config.Settings) {
			log.Info("config reloaded, resource monitor thresholds updated")
			resMon.Reconfigure(s.ToResourceMonConfig())
		})
		if err := watcher.Start(); err != nil {
			log.Warn("config hot-reload disabled", "err", err)
		}
		defer watcher.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down", "signal", sig.String())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()

	if err := diag.Stop(stopCtx); err != nil {
		log.Error("diagnostics server shutdown error", "err", err)
	}
	retentionSched.Stop()
	resMon.Stop()
	if err := orch.StopSystem(stopCtx); err != nil {
		log.Error("orchestrated shutdown error", "err", err)
	}
	if err := b.Stop(stopCtx); err != nil {
		log.Error("bus shutdown error", "err", err)
	}
	return nil
}

// runStorageIngest is the store side of spec §2's capture->store->analysis
// flow: it feeds every RawEvent into the write-buffer (spec §4.7) and, on
// each window-boundary EventBatch the pipeline emits, rolls the batch's
// events up into the store's aggregate tables.
func runStorageIngest(sub *bus.Subscription, done <-chan struct{}, writeBuf *store.WriteBuffer, st *store.Store, log applog.Logger) {
	for {
		select {
		case <-done:
			return
		case env, ok := <-sub.Receive():
			if !ok {
				return
			}
			switch payload := env.Payload.(type) {
			case bus.RawEvent:
				data, err := json.Marshal(payload.Data)
				if err != nil {
					log.Error("storage: encode raw event failed", "err", err)
					continue
				}
				writeBuf.Add(store.Record{
					TimestampMS: payload.Timestamp.UnixMilli(),
					SessionID:   payload.SessionID,
					EventKind:   string(payload.RawKind()),
					Payload:     data,
				})
			case bus.EventBatch:
				if err := st.IngestEventBatch(context.Background(), payload.SessionID, payload.Events); err != nil {
					log.Error("storage: ingest event batch failed", "err", err)
				}
			}
		}
	}
}

// runAnalysisIngest is the analysis side of the same flow: every RawEvent is
// driven through the pipeline's sliding-window manager, which publishes
// AnalysisComplete/StateChange itself once a window finalizes (spec §4.10).
func runAnalysisIngest(sub *bus.Subscription, done <-chan struct{}, pipe *pipeline.Pipeline, log applog.Logger) {
	for {
		select {
		case <-done:
			return
		case env, ok := <-sub.Receive():
			if !ok {
				return
			}
			raw, ok := env.Payload.(bus.RawEvent)
			if !ok {
				continue
			}
			if _, err := pipe.HandleEvent(context.Background(), raw); err != nil {
				log.Error("analysis engine: handle event failed", "err", err)
			}
		}
	}
}
