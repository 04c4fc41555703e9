package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/lifecycle"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	addrFlag           string
	hostFlag           string
	dbFilenameFlag     string
	cacheNameFlag      string
	precacheFlag       string
	scopeCurrentFlag   bool
	cacheStatusFlag    bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config, addr and host)")
	flag.StringVar(&addrFlag, "addr", "", "Origin IP address to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&dbFilenameFlag, "db", "offline-cache.db", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&cacheNameFlag, "cache-name", "", "Cache version identifier (overrides config)")
	flag.StringVar(&precacheFlag, "precache", "", "Comma-separated URLs to precache (overrides config)")
	flag.BoolVar(&scopeCurrentFlag, "scope-current", false, "Only use the current cache version as offline fallback")
	flag.BoolVar(&cacheStatusFlag, "cache-status", false, "Add Cache-Status header to responses")
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

	fileConfig := offlinecache.FileConfig{
		CacheName: offlinecache.DefaultCacheName,
		Precache:  offlinecache.DefaultPrecacheURLs,
	}
	if configFilenameFlag != "" {
		var err error
		if fileConfig, err = offlinecache.ReadConfigFile(configFilenameFlag); err != nil {
			log.Fatal().Err(err).Msg("Could not read config file")
		}
	}

	// set up sqlite memory provider
	dbFilename := dbFilenameFlag
	if dbFilename == "memory" {
		dbFilename = ""
	}
	provider, err := cache.NewSQLiteCache(dbFilename)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache db")
	}
	defer provider.Close()
	storage := cache.NewStorage(provider, nil)

	registry := prometheus.NewRegistry()
	config := offlinecache.Config{
		CacheName:              fileConfig.CacheName,
		PrecacheURLs:           fileConfig.Precache,
		Storage:                storage,
		OriginHost:             fileConfig.Host,
		Metrics:                offlinecache.NewMetrics(registry),
		ScopeFallbackToCurrent: fileConfig.ScopeFallbackToCurrent || scopeCurrentFlag,
		CacheStatus:            fileConfig.CacheStatus || cacheStatusFlag,
	}
	if cacheNameFlag != "" {
		config.CacheName = cacheNameFlag
	}
	if precacheFlag != "" {
		config.PrecacheURLs = strings.Split(precacheFlag, ",")
	}

	// get the downstream server address
	origin := fileConfig.Origin
	if originFlag != "" {
		origin = originFlag
	} else if addrFlag != "" {
		origin = "https://" + addrFlag
		config.OriginHost = hostFlag
	}
	if origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originUrl, err := url.Parse(origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse url")
	}
	config.OriginURL = *originUrl

	manager, err := offlinecache.NewManager(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	host := lifecycle.NewHost(manager.FetchNetwork, nil)
	registerWorker(context.Background(), host, manager)

	log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", portFlag, config.OriginURL.String(), config.OriginHost)
	err = http.ListenAndServe(fmt.Sprintf(":%d", portFlag), newRouter(host, storage, registry))

	if err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

// registerWorker installs the manager's worker.
// If installation fails, e.g. when started while offline, it falls back to the version an earlier run precached.
func registerWorker(ctx context.Context, host *lifecycle.Host, manager *offlinecache.Manager) (restored bool) {
	err := host.Register(ctx, manager.Worker())
	if err == nil {
		return false
	}
	if !errors.Is(err, lifecycle.ErrInstallFailed) {
		log.Error().Err(err).Msg("Worker activated with errors")
		return false
	}
	log.Error().Err(err).Msg("Could not install worker")
	if err := host.Register(ctx, manager.RestoredWorker()); err != nil {
		log.Error().Err(err).Msg("Could not restore worker, passing requests to origin")
		return false
	}
	log.Warn().Msg("Serving previously installed cache version")
	return true
}
