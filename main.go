package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/qubic/flow-tracer/api"
	"github.com/qubic/flow-tracer/archiver"
	"github.com/qubic/flow-tracer/clickhouse"
	"github.com/qubic/flow-tracer/db"
	"github.com/qubic/flow-tracer/domain"
	"github.com/qubic/flow-tracer/elastic"
	"github.com/qubic/flow-tracer/kafka"
	"github.com/qubic/flow-tracer/metrics"
	"github.com/qubic/flow-tracer/redis"
	"github.com/qubic/flow-tracer/stream"
	syncpipe "github.com/qubic/flow-tracer/sync"
	"github.com/qubic/flow-tracer/trace"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const envPrefix = "QUBIC_FLOW_TRACER"

func main() {
	if err := run(); err != nil {
		log.Fatalf("main: exited with error: %s", err.Error())
	}
}

func run() error {
	config := zap.NewProductionConfig()
	// this is just for sugar, to display a readable date instead of an epoch time
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)

	logger, err := config.Build()
	if err != nil {
		return fmt.Errorf("creating logger: %v", err)
	}
	defer logger.Sync()
	sLogger := logger.Sugar()

	var cfg struct {
		Upstream struct {
			NodeUrls          []string      `conf:"default:ws://localhost:8003/v1/events"`
			StartTick         uint64        `conf:"optional"`
			QueueSize         int           `conf:"default:256"`
			RetryDelay        time.Duration `conf:"default:5s"`
			ReconnectDelay    time.Duration `conf:"default:1s"`
			MaxReconnectDelay time.Duration `conf:"default:30s"`
			PingInterval      time.Duration `conf:"default:30s"`
			ReadTimeout       time.Duration `conf:"default:60s"`
			WriteTimeout      time.Duration `conf:"default:10s"`
			SkipEmptyTicks    bool          `conf:"default:true"`
			IncludeInputData  bool          `conf:"default:false"`
		}
		Archiver struct {
			GrpcHost    string        `conf:"default:localhost:8010"`
			ComputorTtl time.Duration `conf:"default:1h"`
		}
		ClickHouse struct {
			Url string `conf:"default:clickhouse://default:@localhost:9000/qubic"`
		}
		Kafka struct {
			BootstrapServers []string `conf:"default:localhost:9092"`
			HopsTopic        string   `conf:"default:qubic-flow-hops"`
			SummariesTopic   string   `conf:"default:qubic-flow-summaries"`
		}
		Elastic struct {
			Addresses       []string `conf:"optional"`
			Username        string   `conf:"default:qubic-query"`
			Password        string   `conf:"optional"`
			LabelsIndex     string   `conf:"default:qubic-labels-alias"`
			TerminalLabels  []string `conf:"default:exchange"`
			CertificatePath string   `conf:"default:http_ca.crt"`
		}
		Batch struct {
			MaxRows          int           `conf:"default:10000"`
			FlushInterval    time.Duration `conf:"default:1s"`
			MaxFlushAttempts int           `conf:"default:4"`
			FlushBaseDelay   time.Duration `conf:"default:2s"`
		}
		Trace struct {
			Interval          time.Duration `conf:"default:10s"`
			Workers           int           `conf:"default:4"`
			WindowSize        uint64        `conf:"default:1000"`
			MaxHopDepth       uint32        `conf:"default:5"`
			DustThreshold     int64         `conf:"optional"`
			EmissionSource    string        `conf:"default:BAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAMID"`
			TerminalAddresses []string      `conf:"optional"`
			ResetEpochs       []uint32      `conf:"optional"`
			RetentionEpochs   uint32        `conf:"optional"`
		}
		Redis struct {
			Addr     string        `conf:"optional"`
			Username string        `conf:"optional"`
			Password string        `conf:"optional"`
			LeaseTtl time.Duration `conf:"default:1m"`
		}
		Server struct {
			HttpPort        int           `conf:"default:8000"`
			MetricsPort     int           `conf:"default:9999"`
			ReadTimeout     time.Duration `conf:"default:5s"`
			WriteTimeout    time.Duration `conf:"default:5s"`
			ShutdownTimeout time.Duration `conf:"default:30s"`
		}
		Store struct {
			Dir string `conf:"default:store"`
		}
		MetricsNamespace string `conf:"default:qubic_flow_tracer"`
	}

	if err := conf.Parse(os.Args[1:], envPrefix, &cfg); err != nil {
		switch err {
		case conf.ErrHelpWanted:
			usage, err := conf.Usage(envPrefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config usage: %v", err)
			}
			fmt.Println(usage)
			return nil
		case conf.ErrVersionWanted:
			version, err := conf.VersionString(envPrefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config version: %v", err)
			}
			fmt.Println(version)
			return nil
		}
		return fmt.Errorf("parsing config: %v", err)
	}

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %v", err)
	}
	log.Printf("main: Config :\n%v\n", out)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := clickhouse.RunMigrations(ctx, cfg.ClickHouse.Url)
	if err != nil {
		return errors.Wrap(err, "migrating clickhouse schema")
	}
	defer conn.Close()
	ingestStore := clickhouse.NewIngestStore(conn)
	flowStore := clickhouse.NewFlowStore(conn)

	pebbleStore, err := db.NewPebbleStore(cfg.Store.Dir)
	if err != nil {
		return errors.Wrap(err, "creating pebble store")
	}
	defer pebbleStore.Close()

	archiveClient, err := archiver.NewClient(cfg.Archiver.GrpcHost)
	if err != nil {
		return errors.Wrap(err, "creating archive client")
	}
	archive := &cachedArchive{
		Client:    archiveClient,
		computors: archiver.NewComputorCache(archiveClient, cfg.Archiver.ComputorTtl),
	}

	var labelClient elastic.LabelClient
	if len(cfg.Elastic.Addresses) > 0 {
		cert, err := os.ReadFile(cfg.Elastic.CertificatePath)
		if err != nil {
			log.Printf("[WARN] main: could not read elastic certificate: %v", err)
		}
		esClient, err := elasticsearch.NewClient(elasticsearch.Config{
			Addresses:     cfg.Elastic.Addresses,
			Username:      cfg.Elastic.Username,
			Password:      cfg.Elastic.Password,
			CACert:        cert,
			RetryOnStatus: []int{502, 503, 504, 429},
		})
		if err != nil {
			return errors.Wrap(err, "creating elasticsearch client")
		}
		labelClient = elastic.NewClient(esClient, cfg.Elastic.LabelsIndex, sLogger)
	}
	classifier := elastic.NewClassifier(labelClient, cfg.Elastic.TerminalLabels, cfg.Trace.TerminalAddresses, sLogger)

	kafkaMetrics := kprom.NewMetrics(cfg.MetricsNamespace,
		kprom.Registerer(prometheus.DefaultRegisterer),
		kprom.Gatherer(prometheus.DefaultGatherer))
	kcl, err := kgo.NewClient(
		kgo.WithHooks(kafkaMetrics),
		kgo.SeedBrokers(cfg.Kafka.BootstrapServers...),
		kgo.ProducerBatchCompression(kgo.ZstdCompression()),
	)
	if err != nil {
		return errors.Wrap(err, "creating kafka client")
	}
	defer kcl.Close()
	publisher := kafka.NewClient(kcl, cfg.Kafka.HopsTopic, cfg.Kafka.SummariesTopic, sLogger)

	var lease trace.EpochLease
	if cfg.Redis.Addr != "" {
		epochLease := redis.NewEpochLease(cfg.Redis.Addr, cfg.Redis.Username, cfg.Redis.Password, cfg.Redis.LeaseTtl)
		if err := epochLease.Ping(ctx); err != nil {
			return errors.Wrap(err, "connecting to redis")
		}
		defer epochLease.Close()
		lease = epochLease
	}

	m := metrics.NewMetrics(cfg.MetricsNamespace)

	startTick, err := resolveStartTick(ctx, ingestStore, cfg.Upstream.StartTick)
	if err != nil {
		return errors.Wrap(err, "resolving start tick")
	}
	log.Printf("main: Resuming ingestion from tick [%d]", startTick)

	streamClient, err := stream.NewClient(stream.ClientConfig{
		NodeUrls:          cfg.Upstream.NodeUrls,
		ReconnectDelay:    cfg.Upstream.ReconnectDelay,
		MaxReconnectDelay: cfg.Upstream.MaxReconnectDelay,
		PingInterval:      cfg.Upstream.PingInterval,
		ReadTimeout:       cfg.Upstream.ReadTimeout,
		WriteTimeout:      cfg.Upstream.WriteTimeout,
		SkipEmptyTicks:    cfg.Upstream.SkipEmptyTicks,
		IncludeInputData:  cfg.Upstream.IncludeInputData,
	}, sLogger)
	if err != nil {
		return errors.Wrap(err, "creating stream client")
	}
	defer streamClient.Close()

	ingestor := stream.NewIngestor(streamClient, pebbleStore, m, sLogger, stream.IngestorConfig{
		StartTick:  startTick,
		RetryDelay: cfg.Upstream.RetryDelay,
		QueueSize:  cfg.Upstream.QueueSize,
	})

	batchWriter := syncpipe.NewBatchWriter(ingestStore, m, sLogger, syncpipe.BatchWriterConfig{
		MaxRows:          cfg.Batch.MaxRows,
		FlushInterval:    cfg.Batch.FlushInterval,
		MaxFlushAttempts: cfg.Batch.MaxFlushAttempts,
		FlushBaseDelay:   cfg.Batch.FlushBaseDelay,
	})

	processor := trace.NewProcessor(flowStore, pebbleStore, archive, ingestStore, classifier,
		publisher, lease, trace.ProcessorConfig{
			Interval:        cfg.Trace.Interval,
			Workers:         cfg.Trace.Workers,
			WindowSize:      cfg.Trace.WindowSize,
			RetentionEpochs: cfg.Trace.RetentionEpochs,
			Engine: trace.EngineConfig{
				MaxHopDepth:    cfg.Trace.MaxHopDepth,
				DustThreshold:  cfg.Trace.DustThreshold,
				EmissionSource: cfg.Trace.EmissionSource,
			},
		}, m, sLogger)

	if len(cfg.Trace.ResetEpochs) > 0 {
		log.Printf("main: Resetting epochs %v for replay", cfg.Trace.ResetEpochs)
		if err := processor.ResetEpochs(ctx, cfg.Trace.ResetEpochs); err != nil {
			return errors.Wrap(err, "resetting epochs")
		}
	}

	ingestErr := make(chan error, 1)
	go func() {
		ingestErr <- ingestor.Run(ctx)
	}()

	writerErr := make(chan error, 1)
	go func() {
		writerErr <- batchWriter.Run(ctx, ingestor.Events())
	}()

	traceErr := make(chan error, 1)
	go func() {
		traceErr <- processor.Run(ctx)
	}()

	handler := api.NewHandler(ingestor, ingestStore, pebbleStore, sLogger)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", handler.GetHealth)
	mux.HandleFunc("/v1/status", handler.GetStatus)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HttpPort),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Printf("main: Starting status endpoint on port [%d]", cfg.Server.HttpPort)
		serverErr <- httpServer.ListenAndServe()
	}()
	go func() {
		log.Printf("main: Starting metrics endpoint on port [%d]", cfg.Server.MetricsPort)
		http.Handle("/metrics", promhttp.Handler())
		serverErr <- http.ListenAndServe(fmt.Sprintf(":%d", cfg.Server.MetricsPort), nil)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case <-shutdown:
		log.Printf("main: Shutting down")
		cancel()
		// the writer flushes its remaining buffers before exiting, give it
		// the shutdown window to finish
		select {
		case err := <-writerErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("main: shutdown flush failed: %v", err)
			}
		case <-time.After(cfg.Server.ShutdownTimeout):
			log.Printf("main: shutdown flush timed out")
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		return nil
	case err := <-ingestErr:
		return fmt.Errorf("ingestion error: %v", err)
	case err := <-writerErr:
		return fmt.Errorf("batch writer error: %v", err)
	case err := <-traceErr:
		return fmt.Errorf("trace processor error: %v", err)
	case err := <-serverErr:
		return fmt.Errorf("server error: %v", err)
	}
}

// cachedArchive answers computor lookups from the ttl cache and everything
// else from the grpc client.
type cachedArchive struct {
	*archiver.Client
	computors *archiver.ComputorCache
}

func (a *cachedArchive) GetEpochComputors(ctx context.Context, epoch uint32) (*domain.EpochComputors, error) {
	return a.computors.GetEpochComputors(ctx, epoch)
}

// resolveStartTick seeds the ingestor with the stored checkpoint so a restart
// resumes where the last flush ended instead of replaying from the configured
// start tick.
func resolveStartTick(ctx context.Context, checkpoints *clickhouse.IngestStore, configured uint64) (uint64, error) {
	lastFlushed, err := checkpoints.GetLastFlushedTick(ctx)
	if errors.Is(err, clickhouse.ErrNotFound) {
		return configured, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "reading checkpoint")
	}
	if lastFlushed+1 > configured {
		return lastFlushed + 1, nil
	}
	return configured, nil
}
