package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/applyforge/contentstore/internal/api"
	"github.com/applyforge/contentstore/internal/auth"
	"github.com/applyforge/contentstore/internal/backup"
)

var (
	migrateTarget  int
	rollbackTarget int
)

func init() {
	migrateCmd.Flags().IntVar(&migrateTarget, "to", 0,
		"apply migrations up to and including this version (0 = all)")
	rollbackCmd.Flags().IntVar(&rollbackTarget, "to", 0,
		"revert applied migrations strictly above this version")
	_ = rollbackCmd.MarkFlagRequired("to")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Apply pending migrations and serve the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		if _, err := rt.manager.Migrate(cmd.Context()); err != nil {
			return err
		}

		if rt.log.GetLevel() < logrus.DebugLevel {
			gin.SetMode(gin.ReleaseMode)
		}
		router := gin.Default()

		validator, err := auth.NewValidator(rt.cfg.Server.APITokens, rt.cfg.Server.APITokensFile)
		if err != nil {
			return err
		}
		var authMW gin.HandlerFunc
		if validator.Enabled() {
			authMW = validator.Middleware()
			rt.log.Info("API token authentication enabled")
		}

		handler := api.NewHandler(rt.store, version)
		api.SetupRoutes(router, handler, promhttp.HandlerFor(rt.metrics, promhttp.HandlerOpts{}), authMW)

		srv := &http.Server{
			Addr:              rt.cfg.Server.Address,
			Handler:           router,
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Start server in a goroutine
		go func() {
			rt.log.WithField("address", rt.cfg.Server.Address).Info("Starting contentstore server")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				rt.log.WithError(err).Fatal("Failed to start server")
			}
		}()

		// Wait for interrupt signal to gracefully shutdown the server
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		rt.log.Info("Shutting down server...")

		// Give outstanding requests 30 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}

		rt.log.Info("Server exited")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration and schema status",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		current, err := rt.manager.CurrentVersion(cmd.Context())
		if err != nil {
			return err
		}
		entries, err := rt.manager.Status(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Database:       %s\n", rt.cfg.Storage.Path)
		fmt.Printf("Schema version: %d\n\n", current)
		for _, e := range entries {
			applied := "-"
			if e.AppliedAt != nil {
				applied = e.AppliedAt.Format(time.RFC3339)
			}
			fmt.Printf("%03d  %-40s %-8s %s\n", e.Version, e.Name, e.Status, applied)
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		applied, err := rt.manager.MigrateTo(cmd.Context(), migrateTarget)
		if err != nil {
			return err
		}
		if applied == 0 {
			fmt.Println("Database is up to date")
			return nil
		}
		fmt.Printf("Applied %d migration(s)\n", applied)
		return nil
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Revert applied migrations down to a target version",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		reverted, err := rt.manager.Rollback(cmd.Context(), rollbackTarget)
		if err != nil {
			return err
		}
		fmt.Printf("Reverted %d migration(s), now at version <= %d\n", reverted, rollbackTarget)
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check database integrity and summarize the schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		report, err := rt.store.Verify(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Schema version:     %d\n", report.SchemaVersion)
		fmt.Printf("Integrity:          %v\n", report.IntegrityOK)
		for _, detail := range report.IntegrityDetail {
			fmt.Printf("  %s\n", detail)
		}
		fmt.Printf("Foreign key errors: %d\n", report.ForeignKeyErrors)
		fmt.Printf("Indexes:            %d\n", report.IndexCount)
		fmt.Println("Row counts:")
		for table, count := range report.RowCounts {
			fmt.Printf("  %-24s %d\n", table, count)
		}

		if !report.OK() {
			return fmt.Errorf("database verification failed")
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print pool, cache, and operation statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		out, err := json.MarshalIndent(map[string]any{
			"pool":       rt.store.PoolStats(),
			"cache":      rt.store.CacheStats(),
			"operations": rt.store.OperationStats(),
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Upload a checkpointed database snapshot to object storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		bcfg := rt.cfg.Backup
		if bcfg.AccessKey == "" {
			bcfg.AccessKey = os.Getenv("MINIO_ACCESS_KEY")
		}
		if bcfg.SecretKey == "" {
			bcfg.SecretKey = os.Getenv("MINIO_SECRET_KEY")
		}
		if err := bcfg.Validate(); err != nil {
			return fmt.Errorf("backup config: %w", err)
		}

		client, err := backup.NewClient(backup.Config{
			Endpoint:  bcfg.Endpoint,
			AccessKey: bcfg.AccessKey,
			SecretKey: bcfg.SecretKey,
			Bucket:    bcfg.Bucket,
			Prefix:    bcfg.Prefix,
			UseSSL:    bcfg.UseSSL,
		}, rt.log)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if err := client.EnsureBucket(ctx); err != nil {
			return err
		}
		object, err := client.Snapshot(ctx, rt.pool)
		if err != nil {
			return err
		}
		fmt.Printf("Snapshot uploaded to %s/%s\n", bcfg.Bucket, object)
		return nil
	},
}
