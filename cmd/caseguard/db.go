package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/caseguard/pkg/catalog"
	"github.com/platinummonkey/caseguard/pkg/config"
	"github.com/platinummonkey/caseguard/pkg/storage"
)

// databaseFlags are shared by the one-shot commands, which do not need the
// full service configuration
type databaseFlags struct {
	driver string
	url    string
}

func (d *databaseFlags) open(ctx context.Context) (*sql.DB, error) {
	if d.url == "" {
		return nil, errors.New("database URL is required (-database-url or CASEGUARD_DATABASE_URL)")
	}
	return storage.Open(ctx, config.DatabaseConfig{
		Driver:  d.driver,
		URL:     d.url,
		Timeout: 10 * time.Second,
	})
}

func registerDatabaseFlags(fs *flag.FlagSet) *databaseFlags {
	d := &databaseFlags{}
	fs.StringVar(&d.driver, "driver", getEnv("CASEGUARD_DB_DRIVER", "postgres"), "database driver (postgres or sqlite3)")
	fs.StringVar(&d.url, "database-url", getEnv("CASEGUARD_DATABASE_URL", ""), "database connection string")
	return d
}

func runMigrate(args []string, logger *logrus.Logger) error {
	fs := newFlagSet("migrate")
	dbFlags := registerDatabaseFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := dbFlags.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := storage.Migrate(ctx, db); err != nil {
		return err
	}
	logger.WithField("driver", dbFlags.driver).Info("schema migrated")
	return nil
}

func runSeed(args []string, logger *logrus.Logger) error {
	fs := newFlagSet("seed")
	dbFlags := registerDatabaseFlags(fs)
	path := fs.String("catalog", "configs/catalog.yaml", "permission and plan catalog to apply")
	migrate := fs.Bool("migrate", false, "migrate the schema before seeding")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := catalog.Load(*path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := dbFlags.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if *migrate {
		if err := storage.Migrate(ctx, db); err != nil {
			return err
		}
	}

	summary, err := catalog.Apply(ctx, db, c)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"catalog":  *path,
		"modules":  summary.Modules,
		"features": summary.Features,
		"actions":  summary.Actions,
		"roles":    summary.Roles,
		"grants":   summary.Grants,
		"plans":    summary.Plans,
	}).Info("catalog applied")
	return nil
}
