package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/IliaW/crawl-ingestor/config"
	"github.com/IliaW/crawl-ingestor/internal/aws_s3"
	"github.com/IliaW/crawl-ingestor/internal/broker"
	cacheClient "github.com/IliaW/crawl-ingestor/internal/cache"
	"github.com/IliaW/crawl-ingestor/internal/persistence"
	"github.com/IliaW/crawl-ingestor/internal/pipeline"
	"github.com/IliaW/crawl-ingestor/internal/storage"
	"github.com/IliaW/crawl-ingestor/internal/telemetry"
	"github.com/IliaW/crawl-ingestor/internal/worker"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	_ "github.com/lib/pq"
	"github.com/lmittmann/tint"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	cfg            *config.Config
	db             *sql.DB
	s3             *aws_s3.S3BucketClient
	contentStorage *storage.Storage
	dedup          cacheClient.DedupStore
	brokerClient   *broker.Client
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg = config.MustLoad()
	setupLogger()
	if cfg.CrawlerID == "" {
		cfg.CrawlerID = uuid.New().String()
	}
	metrics := telemetry.SetupMetrics(context.Background(), cfg)
	defer metrics.Close()

	s3 = aws_s3.NewS3BucketClient(cfg, metrics.StorageMetrics)
	contentStorage = storage.New(s3, cfg.S3Settings.BucketName, nil)
	dedup = setupDedup()
	defer dedup.Close()
	transport, closeTransport := setupTransport()
	defer closeTransport()
	brokerClient = broker.New(transport, broker.SettingsFromConfig(cfg), metrics.BrokerMetrics)

	opts := []pipeline.Option{
		pipeline.WithMinBodyChars(cfg.PipelineSettings.MinBodyChars),
		pipeline.WithMetrics(metrics.PipelineMetrics),
	}
	if cfg.DbSettings.Enabled {
		db = setupDatabase()
		defer closeDatabase()
		opts = append(opts, pipeline.WithManifest(persistence.NewManifestRepository(db)))
	}
	scorer := pipeline.NewScorer(cfg.PipelineSettings.BoostsByDomain(), cfg.PipelineSettings.Languages, nil)
	ingestPipeline := pipeline.New(contentStorage, brokerClient, scorer, opts...)
	slog.Info("starting application on port "+cfg.Port, slog.String("env", cfg.Env),
		slog.String("transport", cfg.QueueSettings.Transport), slog.String("crawler id", cfg.CrawlerID))

	go healthCheckHandler()

	if !cfg.ConsumerSettings.Enabled {
		slog.Warn("kafka consumer is disabled. only the operational endpoints are served.")
		<-ctx.Done()
		slog.Info("server stopped.")
		return
	}

	threadNum := parallelWorkers()
	envelopeChan := make(chan []byte, threadNum*2)

	consumerWg := &sync.WaitGroup{}
	consumerWg.Add(1)
	consumer := broker.NewKafkaConsumer(envelopeChan, metrics.ConsumerMetrics, cfg.ConsumerSettings, consumerWg)
	go consumer.Run(ctx)

	workerWg := &sync.WaitGroup{}
	ingestWorker := &worker.IngestWorker{
		EnvelopeChan: envelopeChan,
		Pipeline:     ingestPipeline,
		DLQ:          brokerClient,
		SourceTopic:  cfg.ConsumerSettings.ReadTopicName,
		Wg:           workerWg,
	}
	// Workers outlive ctx so the envelopes already handed over are still stored and published.
	workerCtx := context.WithoutCancel(ctx)
	for i := 0; i < threadNum; i++ {
		workerWg.Add(1)
		go ingestWorker.Run(workerCtx)
	}

	// Graceful shutdown.
	// 1. Stop Kafka Consumer by system call. Close envelopeChan
	// 2. Wait till all Workers processed all envelopes from envelopeChan
	// 3. Close transport, dedup store and database connections
	<-ctx.Done()
	slog.Info("stopping server...")
	consumerWg.Wait()
	workerWg.Wait()
	slog.Info("server stopped.")
}

func setupLogger() *slog.Logger {
	envLogLevel := strings.ToLower(cfg.LogLevel)
	var slogLevel slog.Level
	err := slogLevel.UnmarshalText([]byte(envLogLevel))
	if err != nil {
		log.Printf("encountenred log level: '%s'. The package does not support custom log levels", envLogLevel)
		slogLevel = slog.LevelDebug
	}
	log.Printf("slog level overwritten to '%v'", slogLevel)
	slog.SetLogLoggerLevel(slogLevel)

	replaceAttrs := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		return a
	}

	var logger *slog.Logger
	if strings.ToLower(cfg.LogType) == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			AddSource:   true,
			Level:       slogLevel,
			ReplaceAttr: replaceAttrs}))
	} else {
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			AddSource:   true,
			Level:       slogLevel,
			ReplaceAttr: replaceAttrs,
			NoColor:     cfg.Env != "local"}))
	}

	slog.SetDefault(logger)
	logger.Debug("debug messages are enabled.")

	return logger
}

func setupDedup() cacheClient.DedupStore {
	if cfg.DedupSettings.Backend == "memcached" {
		return cacheClient.NewMemcachedDedup(cfg.DedupSettings)
	}
	slog.Info("using in-memory dedup window.", slog.Duration("window", cfg.DedupSettings.Window))
	return cacheClient.NewLocalDedup(cfg.DedupSettings.Window)
}

func setupTransport() (broker.Transport, func()) {
	if cfg.QueueSettings.Transport == "kafka" {
		slog.Info("using kafka transport.", slog.Any("addr", cfg.QueueSettings.Kafka.Addr))
		t := broker.NewKafkaTransport(cfg.QueueSettings.Kafka, dedup, cfg.DedupSettings.Window)
		return t, t.Close
	}
	return broker.MustNewSQSTransport(cfg), func() {}
}

func setupDatabase() *sql.DB {
	slog.Info("connecting to the database...")
	connStr := fmt.Sprintf("user=%s password=%s host=%s port=%s dbname=%s sslmode=disable",
		cfg.DbSettings.User,
		cfg.DbSettings.Password,
		cfg.DbSettings.Host,
		cfg.DbSettings.Port,
		cfg.DbSettings.Name,
	)
	database, err := sql.Open("postgres", connStr)
	if err != nil {
		slog.Error("failed to establish database connection.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	database.SetConnMaxLifetime(cfg.DbSettings.ConnMaxLifetime)
	database.SetMaxOpenConns(cfg.DbSettings.MaxOpenConns)
	database.SetMaxIdleConns(cfg.DbSettings.MaxIdleConns)

	maxRetry := 6
	for i := 1; i <= maxRetry; i++ {
		slog.Info("ping the database.", slog.String("attempt", fmt.Sprintf("%d/%d", i, maxRetry)))
		pingErr := database.Ping()
		if pingErr == nil {
			break
		}
		slog.Error("not responding.", slog.String("err", pingErr.Error()))
		if i == maxRetry {
			slog.Error("failed to establish database connection.")
			os.Exit(1)
		}
		slog.Info(fmt.Sprintf("wait %d seconds", 5*i))
		time.Sleep(time.Duration(5*i) * time.Second)
	}
	slog.Info("connected to the database!")

	return database
}

func closeDatabase() {
	slog.Info("closing database connection.")
	err := db.Close()
	if err != nil {
		slog.Error("failed to close database connection.", slog.String("err", err.Error()))
	}
}

// Set -1 to use all available CPUs
func parallelWorkers() int {
	customNumCPU := cfg.WorkerSettings.WorkersNum
	if customNumCPU == -1 {
		return runtime.NumCPU()
	}
	if customNumCPU <= 0 {
		slog.Error("workers number is 0 or less than -1")
		os.Exit(1)
	}

	return customNumCPU
}

func healthCheckHandler() {
	http.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	})
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := map[string]any{"status": "healthy"}
		storageHealth := map[string]any{"status": "healthy", "session": s3.SessionState().String()}
		if err := s3.Health(ctx, contentStorage.Bucket()); err != nil {
			storageHealth["status"] = "unhealthy"
			storageHealth["error"] = err.Error()
			status["status"] = "unhealthy"
		}
		brokerHealth := brokerClient.Health(ctx)
		if !brokerHealth.Healthy() {
			status["status"] = "unhealthy"
		}
		status["storage"] = storageHealth
		status["broker"] = brokerHealth

		code := http.StatusOK
		if status["status"] != "healthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, status)
	})
	http.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"storage": s3.Stats(),
			"broker":  brokerClient.Stats(),
		})
	})
	if err := http.ListenAndServe(":"+cfg.Port, nil); err != nil {
		slog.Error("http server error", slog.String("err", err.Error()))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal response.", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(body)
}
