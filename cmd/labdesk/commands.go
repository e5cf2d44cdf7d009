package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/labdesk/labdesk/internal/config"
	"github.com/labdesk/labdesk/internal/platform/db"
	"github.com/labdesk/labdesk/internal/platform/store"
	"github.com/labdesk/labdesk/internal/tui"
)

// openMigrator targets the embedded SQLite file or one tenant schema.
func openMigrator(ctx context.Context, cfg *config.Config, tenant string) (*db.Migrator, func(), error) {
	if cfg.StoreDriver == config.DriverSQLite {
		s, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		m, err := db.NewSQLiteMigrator(s.DB())
		if err != nil {
			s.Close()
			return nil, nil, err
		}
		return m, func() { s.Close() }, nil
	}
	m, err := db.NewPostgresMigrator(ctx, cfg.DatabaseURL, db.SchemaName(tenant))
	if err != nil {
		return nil, nil, err
	}
	return m, func() { m.Close() }, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(configFile)
			if err != nil {
				return err
			}
			tenant, _ := cmd.Flags().GetString("tenant")
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			ctx := cmd.Context()
			m, done, err := openMigrator(ctx, cfg, tenant)
			if err != nil {
				return err
			}
			defer done()

			count, err := m.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("tenant", "", "Tenant whose schema is migrated (postgres only)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(configFile)
			if err != nil {
				return err
			}
			tenant, _ := cmd.Flags().GetString("tenant")
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			ctx := cmd.Context()
			m, done, err := openMigrator(ctx, cfg, tenant)
			if err != nil {
				return err
			}
			defer done()

			statuses, err := m.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Printf("%-10s %-30s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-30s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("tenant", "", "Tenant whose schema is inspected (postgres only)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load the test catalog, doctors and patients from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(configFile)
			if err != nil {
				return err
			}
			path, _ := cmd.Flags().GetString("file")
			if path == "" {
				path = cfg.CatalogFile
			}
			if path == "" {
				return fmt.Errorf("--file or CATALOG_FILE is required")
			}
			tenant, _ := cmd.Flags().GetString("tenant")
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			logger := newLogger(cfg, os.Stderr)
			be, err := openBackend(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer be.Close()
			return seedCatalog(cmd.Context(), be, tenant, path, logger)
		},
	}
	cmd.Flags().String("file", "", "Catalog YAML file (defaults to CATALOG_FILE)")
	cmd.Flags().String("tenant", "", "Tenant to seed (postgres only)")
	return cmd
}

func deskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "desk",
		Short: "Enter or edit a result in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(configFile)
			if err != nil {
				return err
			}
			tenant, _ := cmd.Flags().GetString("tenant")
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}
			var resultID *uuid.UUID
			if raw, _ := cmd.Flags().GetString("result"); raw != "" {
				id, err := uuid.Parse(raw)
				if err != nil {
					return fmt.Errorf("--result: %w", err)
				}
				resultID = &id
			}

			// The terminal owns stdout; logs go to a file when asked for.
			logOut, _ := cmd.Flags().GetString("log")
			out := os.Stderr
			if logOut != "" {
				f, err := os.OpenFile(logOut, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			} else {
				cfg.LogLevel = "disabled"
			}
			logger := newLogger(cfg, out)

			ctx := db.WithTenant(cmd.Context(), tenant)
			be, err := openBackend(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer be.Close()

			// Drafts are a server feature; the desk holds one form.
			cfg.DraftsPath = ""
			eng, err := newEngine(cfg, be.store, nil, logger)
			if err != nil {
				return err
			}
			defer eng.Close()

			sess, err := eng.service.OpenSession(ctx, tenant, resultID)
			if err != nil {
				return err
			}
			id, err := tui.Run(ctx, eng.service, sess)
			if err != nil {
				return err
			}
			if id != uuid.Nil {
				fmt.Println("Saved result", id)
			}
			return nil
		},
	}
	cmd.Flags().String("result", "", "Id of a result to edit")
	cmd.Flags().String("tenant", "", "Tenant to work in")
	cmd.Flags().String("log", "", "Append logs to this file")
	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage laboratory tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and migrate a tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			cfg, err := config.LoadFile(configFile)
			if err != nil {
				return err
			}
			if cfg.StoreDriver != config.DriverPostgres {
				return fmt.Errorf("tenants need STORE_DRIVER=%s", config.DriverPostgres)
			}

			fmt.Printf("Creating tenant schema: %s\n", db.SchemaName(name))
			n, err := db.CreateTenantSchema(cmd.Context(), cfg.DatabaseURL, name)
			if err != nil {
				return err
			}
			fmt.Printf("Tenant created, %d migration(s) applied.\n", n)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}
