// Chronicle - embeddable state and statistics recorder
//
// This is the main entry point for the Chronicle daemon. Chronicle
// subscribes to state-change events on the MQTT bus, persists them to
// SQLite with batched commits, compiles five-minute and hourly
// statistics, and applies the configured retention policy. An optional
// InfluxDB mirror forwards hourly statistics for long-range dashboards.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/chronicle/migrations"

	"github.com/nerrad567/chronicle/internal/infrastructure/config"
	"github.com/nerrad567/chronicle/internal/infrastructure/database"
	"github.com/nerrad567/chronicle/internal/infrastructure/influxdb"
	"github.com/nerrad567/chronicle/internal/infrastructure/logging"
	"github.com/nerrad567/chronicle/internal/infrastructure/mqtt"
	"github.com/nerrad567/chronicle/internal/metadata"
	"github.com/nerrad567/chronicle/internal/recorder"
	"github.com/nerrad567/chronicle/internal/statistics"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// mirrorDelay trails the hour boundary so the hourly rollup has landed
// before the mirror reads it.
const mirrorDelay = time.Minute

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Chronicle",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Shared metadata registry and statistics store. The engine owns
	// the write path; queries read through the pool directly.
	registry := metadata.NewRegistry(db)
	stats := statistics.NewStore(db, registry, log)

	// Commit signals are forwarded from the writer goroutine through a
	// coalescing channel so the publish never blocks a flush.
	committed := make(chan struct{}, 1)

	engine := recorder.New(recorder.Config{
		CommitInterval:  cfg.GetCommitInterval(),
		MaxBacklog:      cfg.Recorder.MaxBacklog,
		IncludeDomains:  cfg.Recorder.Include.Domains,
		IncludeEntities: cfg.Recorder.Include.Entities,
		ExcludeDomains:  cfg.Recorder.Exclude.Domains,
		ExcludeEntities: cfg.Recorder.Exclude.Entities,
		OnCommit: func() {
			select {
			case committed <- struct{}{}:
			default:
			}
		},
	}, db, registry, stats, log)

	// Start the engine: migrations, schema repair, run registration and
	// statistics catch-up all happen before the writer drains events.
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("starting recorder: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		log.Info("stopping recorder")
		if stopErr := engine.Stop(stopCtx); stopErr != nil {
			log.Error("error stopping recorder", "error", stopErr)
		}
	}()
	log.Info("recorder started", "run", engine.CurrentRun().UUID)

	// Connect to MQTT broker (optional but expected in production)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", mqttClient.ClientID(),
		)

		if subErr := subscribeIngest(mqttClient, engine, cfg.MQTT.QoS, log); subErr != nil {
			return fmt.Errorf("subscribing to ingest topics: %w", subErr)
		}

		go publishCommitSignals(ctx, mqttClient, cfg.MQTT.QoS, committed)
	} else {
		log.Info("MQTT disabled, recording via API only")
	}

	// Connect to InfluxDB mirror (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB mirror connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		go mirrorStatistics(ctx, influxClient, stats, log)
	} else {
		log.Info("InfluxDB mirror disabled")
	}

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	// Background schedules: statistics compilation and retention purge.
	go compileLoop(ctx, engine, log)
	go purgeLoop(ctx, engine, cfg.Recorder, log)

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls will run in reverse order:
	// 1. InfluxDB (if enabled)
	// 2. MQTT
	// 3. Recorder engine
	// 4. Database

	log.Info("Chronicle stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses CHRONICLE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("CHRONICLE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// subscribeIngest wires the MQTT ingest topics into the engine.
//
// chronicle/event/state carries one JSON state-change event per message;
// chronicle/statistic/import carries pre-aggregated statistics batches.
// Handler errors are logged by the client wrapper and never interrupt
// the subscription.
func subscribeIngest(client *mqtt.Client, engine *recorder.Engine, qos int, log *logging.Logger) error {
	topics := mqtt.Topics{}

	err := client.Subscribe(topics.EventState(), byte(qos), func(_ string, payload []byte) error {
		var ev recorder.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("decoding state event: %w", err)
		}
		return engine.Record(ev)
	})
	if err != nil {
		return err
	}
	log.Info("subscribed to state events", "topic", topics.EventState())

	err = client.Subscribe(topics.StatisticImport(), byte(qos), func(_ string, payload []byte) error {
		var req statisticImportRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("decoding statistic import: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		meta, points := req.toDomain()
		if req.External {
			return engine.AddExternalStatistics(ctx, meta, points)
		}
		return engine.ImportStatistics(ctx, meta, points)
	})
	if err != nil {
		return err
	}
	log.Info("subscribed to statistic imports", "topic", topics.StatisticImport())

	return nil
}

// statisticImportRequest is the wire format of the statistic import topic.
type statisticImportRequest struct {
	External bool `json:"external"`
	Metadata struct {
		StatisticID string `json:"statistic_id"`
		Source      string `json:"source"`
		Unit        string `json:"unit_of_measurement"`
		HasMean     bool   `json:"has_mean"`
		HasSum      bool   `json:"has_sum"`
		Name        string `json:"name"`
	} `json:"metadata"`
	Points []struct {
		Start     time.Time  `json:"start"`
		Mean      *float64   `json:"mean,omitempty"`
		Min       *float64   `json:"min,omitempty"`
		Max       *float64   `json:"max,omitempty"`
		State     *float64   `json:"state,omitempty"`
		Sum       *float64   `json:"sum,omitempty"`
		LastReset *time.Time `json:"last_reset,omitempty"`
	} `json:"stats"`
}

// toDomain converts the wire request into statistics package types.
func (r statisticImportRequest) toDomain() (statistics.ImportMetadata, []statistics.Point) {
	meta := statistics.ImportMetadata{
		StatisticID: r.Metadata.StatisticID,
		Source:      r.Metadata.Source,
		Unit:        r.Metadata.Unit,
		HasMean:     r.Metadata.HasMean,
		HasSum:      r.Metadata.HasSum,
		Name:        r.Metadata.Name,
	}

	points := make([]statistics.Point, 0, len(r.Points))
	for _, p := range r.Points {
		points = append(points, statistics.Point{
			Start:     p.Start,
			Mean:      p.Mean,
			Min:       p.Min,
			Max:       p.Max,
			State:     p.State,
			Sum:       p.Sum,
			LastReset: p.LastReset,
		})
	}
	return meta, points
}

// publishCommitSignals forwards coalesced commit notifications onto the
// bus so readers know fresh rows are visible. Best effort: a failed
// publish is dropped, the next commit signals again.
func publishCommitSignals(ctx context.Context, client *mqtt.Client, qos int, committed <-chan struct{}) {
	topic := mqtt.Topics{}.RecorderCommitted()
	for {
		select {
		case <-ctx.Done():
			return
		case <-committed:
			//nolint:errcheck
			client.Publish(topic, nil, byte(qos), false)
		}
	}
}

// compileLoop triggers statistics compilation on five-minute boundaries.
// The engine compiles the window that just closed; on hour boundaries it
// also rolls the finished hour into long-term statistics.
func compileLoop(ctx context.Context, engine *recorder.Engine, log *logging.Logger) {
	for {
		now := time.Now()
		next := now.Truncate(statistics.ShortTermPeriod).Add(statistics.ShortTermPeriod)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := engine.CompileStatistics(time.Now()); err != nil {
			log.Error("statistics compilation failed", "error", err)
		}
	}
}

// purgeLoop applies the retention policy on the configured interval.
// The first purge runs shortly after startup to catch up after downtime.
func purgeLoop(ctx context.Context, engine *recorder.Engine, cfg config.Recorder, log *logging.Logger) {
	interval := time.Duration(cfg.PurgeInterval) * time.Hour
	if interval <= 0 {
		interval = 12 * time.Hour
	}

	timer := time.NewTimer(time.Minute)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		purgeCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		err := engine.Purge(purgeCtx, cfg.RetentionDays, false)
		cancel()
		if err != nil {
			log.Error("retention purge failed", "error", err)
		}

		timer.Reset(interval)
	}
}

// mirrorStatistics forwards each finished hour's statistics to InfluxDB.
// It trails the hour boundary by a minute so the rollup has been
// committed before the mirror reads it.
func mirrorStatistics(ctx context.Context, client *influxdb.Client, stats *statistics.Store, log *logging.Logger) {
	for {
		now := time.Now()
		next := now.Truncate(statistics.LongTermPeriod).Add(statistics.LongTermPeriod + mirrorDelay)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := mirrorHour(ctx, client, stats); err != nil {
			log.Error("statistics mirror failed", "error", err)
		}
	}
}

// mirrorHour writes the newest hourly point of every known series.
func mirrorHour(ctx context.Context, client *influxdb.Client, stats *statistics.Store) error {
	metas, err := stats.ListIDs(ctx, metadata.ListFilter{})
	if err != nil {
		return fmt.Errorf("listing statistics series: %w", err)
	}

	for _, meta := range metas {
		points, err := stats.GetLast(ctx, meta.StatisticID, 1)
		if err != nil {
			return fmt.Errorf("reading %s: %w", meta.StatisticID, err)
		}
		if len(points) == 0 {
			continue
		}

		p := points[0]
		client.WriteStatistic(meta.StatisticID, meta.Source, meta.Unit,
			p.Start, p.Mean, p.Min, p.Max, p.State, p.Sum)
	}
	return nil
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
