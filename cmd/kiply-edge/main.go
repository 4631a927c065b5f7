package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	assetcache "github.com/kiply/asset-cache"
	"github.com/kiply/asset-cache/config"
	"github.com/kiply/asset-cache/pkg/pixel"
	socialproof "github.com/kiply/asset-cache/pkg/social-proof"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
)

var (
	// CLI flags
	configFlag         string
	portFlag           int
	originFlag         string
	addrFlag           string
	hostFlag           string
	cacheVersionFlag   string
	storeFlag          string
	dbFilenameFlag     string
	adminFlag          string
	pixelFlag          string
	socialProofFlag    string
	watchFlag          bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "YAML config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides addr and host)")
	flag.StringVar(&addrFlag, "addr", "", "Origin IP address to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (default 8080)")
	flag.StringVar(&cacheVersionFlag, "cache-version", "", "Version tag of the cache generation, e.g. kiply-admin-v2")
	flag.StringVar(&storeFlag, "store", "", "Cache store: memory, sqlite or redis (default sqlite)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name for the sqlite store (use 'memory' for in-memory db)")
	flag.StringVar(&adminFlag, "admin", "", "Admin listen address (default 127.0.0.1:9090, 'off' to disable)")
	flag.StringVar(&pixelFlag, "pixel-id", "", "Analytics pixel id, pixel is off if empty")
	flag.StringVar(&socialProofFlag, "social-proof", "", "YAML file with social proof copy (builtin copy if empty)")
	flag.BoolVar(&watchFlag, "watch", false, "Watch the config file and switch cache versions when it changes (KIPLY_VERSION and -cache-version still win)")
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
		With().Timestamp().Str("build", version).Logger()

	cfg, err := config.Load(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Gateway stopped")
	}
	log.Info().Msg("Gateway stopped")
}

// applyFlags overrides config values with the flags that were given.
func applyFlags(cfg *config.Config) {
	if originFlag != "" {
		cfg.Origin = originFlag
	} else if addrFlag != "" {
		cfg.Origin = "https://" + addrFlag
	}
	if hostFlag != "" {
		cfg.Host = hostFlag
	}
	if portFlag != 0 {
		cfg.Listen = fmt.Sprintf(":%d", portFlag)
	}
	if cacheVersionFlag != "" {
		cfg.Version = cacheVersionFlag
	}
	if storeFlag != "" {
		cfg.Store.Kind = storeFlag
	}
	if dbFilenameFlag != "" {
		cfg.Store.Path = dbFilenameFlag
	}
	if adminFlag == "off" {
		cfg.AdminListen = ""
	} else if adminFlag != "" {
		cfg.AdminListen = adminFlag
	}
	if pixelFlag != "" {
		cfg.PixelID = pixelFlag
	}
}

func run(ctx context.Context, cfg config.Config) error {
	storage, closeStorage, err := openStorage(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Kind, err)
	}
	defer closeStorage()

	originURL, _ := cfg.OriginURL()
	dataStoreURL, _ := cfg.DataStoreURL()
	workerLog := log.With().Str("component", "worker").Logger()
	acache, err := assetcache.CreateWorker(assetcache.Config{
		Storage:         storage,
		Version:         cfg.Version,
		OriginURL:       *originURL,
		OriginHost:      cfg.Host,
		DataStoreURL:    dataStoreURL,
		Routes:          cfg.Routes,
		AssetExtensions: cfg.Assets.Extensions,
		AssetSegment:    cfg.Assets.Segment,
		WriteTimeout:    cfg.WriteTimeout,
		Logger:          &workerLog,
	})
	if err != nil {
		return err
	}
	defer acache.Close()
	if err := acache.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	table, err := loadSocialProof(socialProofFlag)
	if err != nil {
		return err
	}
	pixelConfig := pixel.Config{ID: cfg.PixelID}
	if !pixelConfig.Enabled() {
		log.Info().Msg("No pixel id, analytics pixel disabled")
	}

	servers := []*http.Server{{
		Addr:              cfg.Listen,
		Handler:           newRouter(acache, pixelConfig, table, log.Logger),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if cfg.AdminListen != "" {
		servers = append(servers, &http.Server{
			Addr:              cfg.AdminListen,
			Handler:           newAdminRouter(acache, originURL, log.With().Str("component", "admin").Logger()),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		srv.BaseContext = func(net.Listener) context.Context { return ctx }
		g.Go(func() error {
			log.Info().Msgf("Listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	if watchFlag && configFlag != "" {
		g.Go(func() error {
			return config.Watch(gctx, configFlag, log.Logger, onConfigChange(gctx, acache, log.Logger))
		})
	}
	log.Info().Msgf("Proxying %s to %s (with hostname '%s'), cache %s", cfg.Listen, originURL, cfg.Host, cfg.Version)

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Str("addr", srv.Addr).Msg("Could not shut down cleanly")
			}
		}
		return nil
	})
	return g.Wait()
}

// onConfigChange switches the cache version when a reloaded config names a new one.
// Flags and environment still take precedence over the file, as at startup.
func onConfigChange(ctx context.Context, w worker, log zerolog.Logger) func(config.Config) {
	return func(c config.Config) {
		applyFlags(&c)
		if c.Version == w.Version() {
			return
		}
		if err := w.Update(ctx, c.Version); err != nil {
			log.Error().Err(err).Str("to", c.Version).Msg("Could not switch cache version")
		}
	}
}

func loadSocialProof(filename string) (*socialproof.Table, error) {
	if filename == "" {
		return socialproof.Builtin(), nil
	}
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return socialproof.Load(f, language.Spanish)
}
