// Package config loads and hot-reloads the daemon's bootstrap TOML
// configuration (spec §6's recognized key surface), grounded in the
// teacher's config_feeders.go Feeder abstraction — generalized here from
// struct-tag env feeding to a single TOML document parsed with
// github.com/BurntSushi/toml, since the runtime's configuration is a file
// on disk rather than environment variables.
package config

import (
	"time"

	"github.com/BurntSushi/toml"

	"github.com/flowloop/companion/internal/bus"
	"github.com/flowloop/companion/internal/orchestrator"
	"github.com/flowloop/companion/internal/pipeline"
	"github.com/flowloop/companion/internal/resourcemon"
	"github.com/flowloop/companion/internal/store"
	"github.com/flowloop/companion/internal/window"
)

// BusSettings mirrors spec §6's bus key list.
type BusSettings struct {
	MaxQueueSize         int           `toml:"max_queue_size"`
	DeliveryTimeout      time.Duration `toml:"delivery_timeout"`
	MaxRetryAttempts     int           `toml:"max_retry_attempts"`
	DeadLetterQueueSize  int           `toml:"dead_letter_queue_size"`
	MetricsInterval      time.Duration `toml:"metrics_interval"`
	SlowHandlerThreshold time.Duration `toml:"slow_handler_threshold"`
}

// OrchestratorSettings mirrors spec §6's orchestrator key list.
type OrchestratorSettings struct {
	StartupTimeout       time.Duration `toml:"startup_timeout"`
	ModuleStartDelay     time.Duration `toml:"module_start_delay"`
	ParallelStartup      bool          `toml:"parallel_startup"`
	HealthCheckInterval  time.Duration `toml:"health_check_interval"`
	HealthCheckTimeout   time.Duration `toml:"health_check_timeout"`
	UnhealthyThreshold   int           `toml:"unhealthy_threshold"`
	AutoRecovery         bool          `toml:"auto_recovery"`
	MaxRecoveryAttempts  int           `toml:"max_recovery_attempts"`
	RecoveryBackoff      time.Duration `toml:"recovery_backoff"`
	ResourceCheckInterval time.Duration `toml:"resource_check_interval"`
	ThrottleThreshold    float64       `toml:"throttle_threshold"`
}

// StoreSettings mirrors spec §6's store key list.
type StoreSettings struct {
	Path              string        `toml:"path"`
	PoolSize          int           `toml:"pool_size"`
	WriteBufferSize   int           `toml:"write_buffer_size"`
	CompactionInterval time.Duration `toml:"compaction_interval"`
	WALEnabled        bool          `toml:"wal_enabled"`
	SynchronousMode   string        `toml:"synchronous_mode"`
}

// PipelineSettings mirrors spec §6's pipeline key list.
type PipelineSettings struct {
	WindowSize               time.Duration `toml:"window_size"`
	WindowOverlap            time.Duration `toml:"window_overlap"`
	HistorySize              int           `toml:"history_size"`
	EnableScreenshotAnalysis bool          `toml:"enable_screenshot_analysis"`
	MinEventsForAnalysis     int           `toml:"min_events_for_analysis"`
	ProcessingTimeout        time.Duration `toml:"processing_timeout"`
}

// RetentionSettings mirrors spec §6's retention key list.
type RetentionSettings struct {
	RawEventsDays        int `toml:"raw_events_days"`
	HourlyAggregatesDays int `toml:"hourly_aggregates_days"`
	DailySummariesDays   int `toml:"daily_summaries_days"`
}

// Settings is the full bootstrap configuration document.
type Settings struct {
	Bus          BusSettings          `toml:"bus"`
	Orchestrator OrchestratorSettings `toml:"orchestrator"`
	Store        StoreSettings        `toml:"store"`
	Pipeline     PipelineSettings     `toml:"pipeline"`
	Retention    RetentionSettings    `toml:"retention"`
}

// Default returns every component's own defaults, expressed in the
// config-surface shape so a missing file or missing section never leaves a
// zero-valued, nonsensical setting in place.
func Default() Settings {
	busDefault := bus.DefaultConfig()
	orchDefault := orchestrator.DefaultConfig()
	storeDefault := store.DefaultConfig()
	pipeDefault := pipeline.DefaultConfig()
	resDefault := resourcemon.DefaultConfig()

	return Settings{
		Bus: BusSettings{
			MaxQueueSize:         busDefault.MaxQueueSize,
			DeliveryTimeout:      busDefault.DeliveryTimeout,
			MaxRetryAttempts:     busDefault.MaxRetryAttempts,
			DeadLetterQueueSize:  busDefault.DeadLetterQueueSize,
			MetricsInterval:      busDefault.MetricsInterval,
			SlowHandlerThreshold: busDefault.SlowHandlerThreshold,
		},
		Orchestrator: OrchestratorSettings{
			StartupTimeout:        orchDefault.StartupTimeout,
			ModuleStartDelay:      orchDefault.ModuleStartDelay,
			HealthCheckInterval:   orchDefault.HealthCheckInterval,
			HealthCheckTimeout:    orchDefault.HealthCheckTimeout,
			UnhealthyThreshold:    orchDefault.UnhealthyThreshold,
			AutoRecovery:          true,
			MaxRecoveryAttempts:   3,
			RecoveryBackoff:       10 * time.Second,
			ResourceCheckInterval: resDefault.Interval,
			ThrottleThreshold:     resDefault.ThrottleThreshold,
		},
		Store: StoreSettings{
			Path:               storeDefault.Path,
			PoolSize:           storeDefault.PoolSize,
			WriteBufferSize:    storeDefault.WriteBufferSize,
			CompactionInterval: storeDefault.CompactionInterval,
			WALEnabled:         storeDefault.WALEnabled,
			SynchronousMode:    storeDefault.SynchronousMode,
		},
		Pipeline: PipelineSettings{
			WindowSize:               pipeDefault.Window.WindowSize,
			WindowOverlap:            pipeDefault.Window.Overlap,
			HistorySize:              pipeDefault.Window.HistorySize,
			EnableScreenshotAnalysis: pipeDefault.EnableScreenshotAnalysis,
			MinEventsForAnalysis:     pipeDefault.MinEventsForAnalysis,
			ProcessingTimeout:        pipeDefault.ProcessingTimeout,
		},
		Retention: RetentionSettings{
			RawEventsDays:        7,
			HourlyAggregatesDays: 30,
			DailySummariesDays:   365,
		},
	}
}

// Load parses path as TOML over top of Default(), so a config file may
// override only the sections/keys it cares about.
func Load(path string) (*Settings, error) {
	settings := Default()
	if _, err := toml.DecodeFile(path, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// ToBusConfig projects the bus section onto bus.Config.
func (s Settings) ToBusConfig() bus.Config {
	return bus.Config{
		MaxQueueSize:         s.Bus.MaxQueueSize,
		DeliveryTimeout:      s.Bus.DeliveryTimeout,
		MaxRetryAttempts:     s.Bus.MaxRetryAttempts,
		DeadLetterQueueSize:  s.Bus.DeadLetterQueueSize,
		MetricsInterval:      s.Bus.MetricsInterval,
		SlowHandlerThreshold: s.Bus.SlowHandlerThreshold,
		WorkerCount:          bus.DefaultConfig().WorkerCount,
		DefaultBufferSize:    bus.DefaultConfig().DefaultBufferSize,
	}
}

// ToOrchestratorConfig projects the orchestrator section onto
// orchestrator.Config.
func (s Settings) ToOrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		StartupTimeout:      s.Orchestrator.StartupTimeout,
		ShutdownTimeout:     orchestrator.DefaultConfig().ShutdownTimeout,
		ModuleStartDelay:    s.Orchestrator.ModuleStartDelay,
		HealthCheckInterval: s.Orchestrator.HealthCheckInterval,
		HealthCheckTimeout:  s.Orchestrator.HealthCheckTimeout,
		UnhealthyThreshold:  s.Orchestrator.UnhealthyThreshold,
	}
}

// ToStoreConfig projects the store section onto store.Config.
func (s Settings) ToStoreConfig() store.Config {
	return store.Config{
		Path:               s.Store.Path,
		PoolSize:           s.Store.PoolSize,
		WriteBufferSize:    s.Store.WriteBufferSize,
		WriteBufferWindow:  store.DefaultConfig().WriteBufferWindow,
		CompactionInterval: s.Store.CompactionInterval,
		WALEnabled:         s.Store.WALEnabled,
		SynchronousMode:    s.Store.SynchronousMode,
	}
}

// ToPipelineConfig projects the pipeline section onto pipeline.Config.
func (s Settings) ToPipelineConfig() pipeline.Config {
	return pipeline.Config{
		Window: window.Config{
			WindowSize:  s.Pipeline.WindowSize,
			Overlap:     s.Pipeline.WindowOverlap,
			HistorySize: s.Pipeline.HistorySize,
		},
		EnableScreenshotAnalysis: s.Pipeline.EnableScreenshotAnalysis,
		MinEventsForAnalysis:     s.Pipeline.MinEventsForAnalysis,
		ProcessingTimeout:        s.Pipeline.ProcessingTimeout,
	}
}

// ToRetentionConfig projects the retention section onto store.RetentionConfig.
func (s Settings) ToRetentionConfig() store.RetentionConfig {
	return store.RetentionConfig{
		RawEventsDays:        s.Retention.RawEventsDays,
		HourlyAggregatesDays: s.Retention.HourlyAggregatesDays,
		DailySummariesDays:   s.Retention.DailySummariesDays,
	}
}

// ToResourceMonConfig projects the orchestrator's resource-monitor keys onto
// resourcemon.Config (the monitor's own interval/threshold are recognized
// keys of the orchestrator section per spec §6).
func (s Settings) ToResourceMonConfig() resourcemon.Config {
	d := resourcemon.DefaultConfig()
	d.Interval = s.Orchestrator.ResourceCheckInterval
	d.ThrottleThreshold = s.Orchestrator.ThrottleThreshold
	return d
}
