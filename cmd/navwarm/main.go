package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/navwarm/navwarm"
	"github.com/navwarm/navwarm/persist"
)

var (
	// CLI flags
	portFlag           int
	originFlag         string
	configFilenameFlag string
	dbFilenameFlag     string
	constrainedFlag    bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&originFlag, "origin", "", "Origin URL to accelerate")
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&dbFilenameFlag, "db", "navwarm.db", "State DB file name (use 'memory' for in-memory db)")
	flag.BoolVar(&constrainedFlag, "constrained", false, "Treat this session as a constrained device")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	var config navwarm.Config
	if configFilenameFlag != "" {
		var err error
		config, err = navwarm.LoadConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not read config file")
		}
	}

	if originFlag == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(originFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}

	// set up state db
	var mirror persist.DurableStore
	if dbFilenameFlag == "memory" {
		mirror = persist.NewMemory()
	} else {
		sqlite, err := persist.NewSQLite(dbFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open state db")
		}
		defer sqlite.Close()
		mirror = sqlite
	}

	retriever := navwarm.NewHTTPRetriever(originURL)
	engine, err := navwarm.New(config, retriever, navwarm.StaticDevice(constrainedFlag), mirror)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create engine")
	}
	defer engine.Close()
	retriever.BindStore(engine.Store())
	engine.WarmStart()

	srv := &server{engine: engine}

	router := chi.NewRouter()
	router.Get("/-/stats", srv.stats)
	router.Post("/-/intent", srv.intent)
	router.Post("/-/intent/withdrawn", srv.intentWithdrawn)
	router.Get("/*", srv.serve)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", portFlag),
		Handler: router,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Msgf("Accelerating %s on port %d", originURL.String(), portFlag)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return httpServer.Shutdown(context.Background())
	})
	if configFilenameFlag != "" {
		g.Go(func() error {
			return watchConfig(ctx, configFilenameFlag, engine)
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}
}

// watchConfig re-reads the config file whenever it changes and re-pins
// the always-warm key set.
func watchConfig(ctx context.Context, filename string, engine *navwarm.Orchestrator) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filename); err != nil {
		return err
	}
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			config, err := navwarm.LoadConfig(filename)
			if err != nil {
				log.Warn().Err(err).Msg("Could not reload config file")
				continue
			}
			log.Info().Int("alwaysWarm", len(config.AlwaysWarm)).Msg("Config reloaded")
			engine.SetAlwaysWarm(config.AlwaysWarm)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Config watcher error")
		case <-ctx.Done():
			return nil
		}
	}
}
