// contentstore is the admin and serving entry point for the content data
// store: it applies schema migrations, runs one-shot maintenance commands,
// and serves the read and ops HTTP API.
package main

import (
	"io/fs"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/applyforge/contentstore/internal/cache"
	"github.com/applyforge/contentstore/internal/config"
	"github.com/applyforge/contentstore/internal/migrate"
	"github.com/applyforge/contentstore/internal/monitor"
	"github.com/applyforge/contentstore/internal/pool"
	"github.com/applyforge/contentstore/internal/storage"
)

const version = "1.0.0"

var (
	cfgFile       string
	migrationsDir string
)

var rootCmd = &cobra.Command{
	Use:   "contentstore",
	Short: "Data store for the content generation pipeline",
	Long: `contentstore manages the SQLite-backed store of job postings, generated
documents, and cached company research: schema migrations, integrity
checks, snapshots, and the read-only HTTP API.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default ./contentstore.yaml)")
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "",
		"read migration scripts from a directory instead of the embedded set")
	rootCmd.AddCommand(serveCmd, statusCmd, migrateCmd, rollbackCmd, verifyCmd, statsCmd, backupCmd)
}

// runtime bundles the constructed components a command works against.
type runtime struct {
	cfg      *config.Config
	log      *logrus.Logger
	registry *pool.Registry
	pool     *pool.Pool
	cache    *cache.Cache
	monitor  *monitor.Monitor
	manager  *migrate.Manager
	store    *storage.Store
	metrics  *prometheus.Registry
}

func (r *runtime) close() {
	if err := r.registry.CloseAll(); err != nil {
		r.log.WithError(err).Warn("Error closing pools")
	}
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)
	return log
}

func buildRuntime() (*runtime, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	log := newLogger(cfg.LogLevel)

	registry := pool.NewRegistry(log)
	p, err := registry.Get(pool.Config{
		Path:               cfg.Storage.Path,
		PoolSize:           cfg.Storage.PoolSize,
		MaxOverflow:        cfg.Storage.MaxOverflow,
		AcquireTimeout:     cfg.Storage.AcquireTimeout,
		ConnMaxAge:         cfg.Storage.ConnMaxAge,
		ConnMaxQueries:     cfg.Storage.ConnMaxQueries,
		CheckpointEveryOps: cfg.Storage.CheckpointEveryOps,
		CheckpointInterval: cfg.Storage.CheckpointInterval,
	})
	if err != nil {
		return nil, err
	}

	metrics := prometheus.NewRegistry()
	mon := monitor.New(monitor.Config{
		SlowThreshold: cfg.Monitor.SlowQueryThreshold,
		MaxSamples:    cfg.Monitor.MaxSamples,
		RecentSlow:    cfg.Monitor.RecentSlow,
	}, metrics, log)
	results := cache.New(cache.Config{
		MaxSize:    cfg.Cache.MaxSize,
		DefaultTTL: cfg.Cache.DefaultTTL,
	}, log)
	registerGauges(metrics, p, results)

	dir := cfg.Storage.MigrationsDir
	if migrationsDir != "" {
		dir = migrationsDir
	}
	var scripts fs.FS
	if dir != "" {
		scripts = os.DirFS(dir)
	} else {
		scripts = migrate.Files()
	}
	manager := migrate.NewManager(p, scripts, log)
	if dir == "" {
		// The backfill belongs to the embedded script set; external script
		// directories manage their own data repair.
		manager.RegisterHook(2, migrate.BackfillJobSkills)
	}

	store := storage.New(p, results, mon, manager, log)
	return &runtime{
		cfg:      cfg,
		log:      log,
		registry: registry,
		pool:     p,
		cache:    results,
		monitor:  mon,
		manager:  manager,
		store:    store,
		metrics:  metrics,
	}, nil
}

// registerGauges exposes pool and cache accounting to Prometheus without
// the components having to know about the registry.
func registerGauges(reg *prometheus.Registry, p *pool.Pool, c *cache.Cache) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "contentstore_pool_available",
		Help: "Idle base pool slots.",
	}, func() float64 { return float64(p.Stats().Available) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "contentstore_pool_in_use",
		Help: "Base pool leases currently held.",
	}, func() float64 { return float64(p.Stats().InUse) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "contentstore_pool_overflow_in_flight",
		Help: "Overflow connections currently minted.",
	}, func() float64 { return float64(p.Stats().OverflowInFlight) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "contentstore_cache_entries",
		Help: "Entries currently cached.",
	}, func() float64 { return float64(c.Len()) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "contentstore_cache_hit_rate",
		Help: "Lifetime cache hit rate.",
	}, func() float64 { return c.Stats().HitRate }))
}
