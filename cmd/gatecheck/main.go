package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/banshee-data/gatecheck/internal/api"
	"github.com/banshee-data/gatecheck/internal/audit"
	"github.com/banshee-data/gatecheck/internal/config"
	"github.com/banshee-data/gatecheck/internal/metrics"
	"github.com/banshee-data/gatecheck/internal/monitoring"
	"github.com/banshee-data/gatecheck/internal/pipeline"
	"github.com/banshee-data/gatecheck/internal/report"
	"github.com/banshee-data/gatecheck/internal/version"
)

var (
	configPath   = flag.String("config", config.DefaultConfigPath, "Tuning and zone configuration (JSON)")
	dbPath       = flag.String("db", "", "SQLite audit database; empty disables persistence")
	input        = flag.String("input", "-", "Frame source, JSONL; - for stdin")
	output       = flag.String("output", "-", "Result sink, JSONL; - for stdout, empty to discard")
	listen       = flag.String("listen", "", "HTTP listen address, e.g. :8080; empty disables the API")
	amqpURL      = flag.String("amqp-url", "", "AMQP broker URL for audit publishing")
	amqpExchange = flag.String("amqp-exchange", "gatecheck", "AMQP topic exchange")
	envFile      = flag.String("env-file", ".env", "Environment file read before flags are applied")
	logLevel     = flag.String("log-level", "info", "Log level for the ops and diag streams")
	logJSON      = flag.Bool("log-json", false, "Write logs as JSON")
	trace        = flag.Bool("trace", false, "Enable per-frame trace logging")
	showVersion  = flag.Bool("version", false, "Print version and exit")
	watchConfig  = flag.Bool("watch-config", true, "Reload the config file when it changes")
)

var log = monitoring.Component("main")

// envFlags maps environment variables onto flags. A flag set on the command
// line wins over the environment.
var envFlags = map[string]string{
	"GATECHECK_CONFIG":        "config",
	"GATECHECK_DB":            "db",
	"GATECHECK_LISTEN":        "listen",
	"GATECHECK_AMQP_URL":      "amqp-url",
	"GATECHECK_AMQP_EXCHANGE": "amqp-exchange",
	"GATECHECK_LOG_LEVEL":     "log-level",
}

// applyEnv loads path (if present) into the environment and copies the
// known variables onto flags not given explicitly.
func applyEnv(fs *flag.FlagSet, path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	for env, name := range envFlags {
		v, ok := os.LookupEnv(env)
		if !ok || explicit[name] || fs.Lookup(name) == nil {
			continue
		}
		if err := fs.Set(name, v); err != nil {
			return fmt.Errorf("%s: %w", env, err)
		}
	}
	return nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		return
	}
	if err := applyEnv(flag.CommandLine, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "gatecheck: %v\n", err)
		os.Exit(2)
	}
	if err := monitoring.SetLevel(*logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "gatecheck: invalid -log-level: %v\n", err)
		os.Exit(2)
	}
	monitoring.SetJSON(*logJSON)
	if *trace {
		monitoring.SetLogWriters(os.Stderr, os.Stderr, os.Stderr)
	}
	if err := run(); err != nil {
		log.OpsErr(err, "gatecheck stopped")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadTuningConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	metrics.Init()

	sink, store, err := openAudit()
	if err != nil {
		return err
	}
	var opts []pipeline.Option
	var dispatcher *audit.Dispatcher
	if sink != nil {
		dispatcher = audit.NewDispatcher(sink, cfg.GetAuditQueueSize())
		opts = append(opts, pipeline.WithAudit(dispatcher))
	}

	mgr, err := pipeline.NewManager(cfg, opts...)
	if err != nil {
		return fmt.Errorf("configure gates: %w", err)
	}
	log.Diagf("%s serving gates %v", version.Get(), mgr.Gates())

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *watchConfig {
		watcher := config.NewWatcher(*configPath, cfg, time.Second)
		watcher.OnReload(func(_, updated *config.TuningConfig) error {
			err := mgr.Apply(updated)
			metrics.RecordConfigReload(err)
			return err
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := watcher.Run(ctx); err != nil {
				log.OpsErr(err, "config watcher stopped")
			}
		}()
	}

	if *listen != "" {
		srv := api.NewServer(mgr, auditReader(store))
		srv.Report = report.Options{Threshold: cfg.GetThreshold()}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveHTTP(ctx, *listen, api.LoggingMiddleware(srv.ServeMux()))
		}()
	}

	in, closeIn, err := openInput(*input)
	if err != nil {
		stop()
		wg.Wait()
		return err
	}
	out, closeOut, err := openOutput(*output)
	if err != nil {
		closeIn()
		stop()
		wg.Wait()
		return err
	}

	stats, runErr := processStream(ctx, in, out, mgr)
	closeIn()
	closeOut()
	log.Diagf("input finished: %d frames, %d rejected lines", stats.Frames, stats.Rejected)

	// With the API up, keep serving the final state until signalled.
	if *listen != "" && runErr == nil {
		<-ctx.Done()
	}
	stop()
	wg.Wait()

	if dispatcher != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := dispatcher.Close(closeCtx); err != nil {
			log.OpsErr(err, "audit queue not fully drained")
		}
	}
	log.Diagf("graceful shutdown complete")
	return runErr
}

// openAudit builds the configured audit sinks. Both return values are nil
// when persistence is disabled.
func openAudit() (audit.Sink, *audit.Store, error) {
	var sinks audit.MultiSink
	var store *audit.Store
	if *dbPath != "" {
		s, err := audit.Open(*dbPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open audit store: %w", err)
		}
		store = s
		sinks = append(sinks, s)
	}
	if *amqpURL != "" {
		sinks = append(sinks, audit.NewAMQPSink(audit.AMQPConfig{URL: *amqpURL, Exchange: *amqpExchange}))
	}
	switch len(sinks) {
	case 0:
		return nil, nil, nil
	case 1:
		return sinks[0], store, nil
	default:
		return sinks, store, nil
	}
}

// auditReader avoids handing the API a typed nil.
func auditReader(s *audit.Store) api.AuditReader {
	if s == nil {
		return nil
	}
	return s
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return f, func() { f.Close() }, nil
}

func openOutput(path string) (io.Writer, func(), error) {
	switch path {
	case "":
		return io.Discard, func() {}, nil
	case "-":
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	return f, func() {
		if err := f.Close(); err != nil {
			log.OpsErr(err, "close output")
		}
	}, nil
}

func serveHTTP(ctx context.Context, addr string, h http.Handler) {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.OpsErr(err, "HTTP server failed")
		}
	}()
	log.Diagf("HTTP API listening on %s", addr)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.OpsErr(err, "HTTP server shutdown")
		if err := server.Close(); err != nil {
			log.OpsErr(err, "HTTP server force close")
		}
	}
	log.Diagf("HTTP server routine stopped")
}
