package main

import (
	"context"
	"crypto/rsa"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"

	auth "github.com/goliatone/go-auth-tokens"
	"github.com/goliatone/go-auth-tokens/config"
	"github.com/goliatone/go-persistence-bun"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/extra/bundebug"
	"github.com/uptrace/bun/schema"
)

type app struct {
	configPath string
	debug      bool

	cfg      *config.Config
	logger   auth.Logger
	queryOut io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "authd",
		Short:         "Token lifecycle service for user authentication",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = auth.NewDefaultLogger(cfg.Log.Level, cfg.Log.Format)
			if a.debug {
				fmt.Fprintln(cmd.ErrOrStderr(), cfg.String())
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default ./authd.yaml or /etc/authd/authd.yaml)")
	root.PersistentFlags().BoolVar(&a.debug, "debug-config", false, "print the resolved config before running")

	root.AddCommand(
		newServeCmd(a),
		newMigrateCmd(a),
		newKeysCmd(),
		newPruneCmd(a),
		newUserCmd(a),
		newTokenCmd(a),
	)

	return root
}

// dbConfig hands the database settings to the persistence client. Query
// logging is attached by openDB so it honors the app query log writer.
type dbConfig struct {
	config.Database
}

func (dbConfig) GetDebug() bool { return false }

func (a *app) openDB() (*persistence.Client, error) {
	var (
		sqldb   *sql.DB
		dialect schema.Dialect
		err     error
	)

	switch a.cfg.Database.Driver {
	case "postgres":
		if sqldb, err = sql.Open("pgx", a.cfg.Database.DSN); err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		dialect = pgdialect.New()
	default:
		if sqldb, err = sql.Open(sqliteshim.ShimName, a.cfg.Database.DSN); err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// sqlite serializes writers; one connection avoids SQLITE_BUSY
		sqldb.SetMaxOpenConns(1)
		dialect = sqlitedialect.New()
	}

	auth.RegisterModels()
	client, err := persistence.New(dbConfig{a.cfg.Database}, sqldb, dialect)
	if err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	db := client.DB()
	if a.cfg.Database.Debug {
		db.AddQueryHook(bundebug.NewQueryHook(
			bundebug.WithVerbose(true),
			bundebug.WithWriter(a.queryLog()),
		))
	}

	if a.cfg.Database.Driver != "postgres" {
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	return client, nil
}

func (a *app) queryLog() io.Writer {
	if a.queryOut != nil {
		return a.queryOut
	}
	return os.Stderr
}

func (a *app) signer() (*auth.TokenSigner, error) {
	if !a.cfg.HasSigningKey() {
		return nil, errors.New("no signing key configured, set private_key or private_key_path")
	}

	var (
		key *rsa.PrivateKey
		err error
	)
	if a.cfg.PrivateKey != "" {
		key, err = auth.ParseRSAPrivateKey([]byte(a.cfg.PrivateKey))
	} else {
		key, err = auth.LoadRSAPrivateKeyFile(a.cfg.PrivateKeyPath)
	}
	if err != nil {
		return nil, err
	}

	return auth.NewTokenSigner(key, a.cfg)
}

// services holds the wired library components for one command run.
type services struct {
	client    *persistence.Client
	db        *bun.DB
	repo      auth.RepositoryManager
	signer    *auth.TokenSigner
	lifecycle *auth.LifecycleManager
	registry  *prometheus.Registry
	activity  auth.ActivitySink
	notifier  auth.Notifier
}

func (s *services) Close() error {
	return s.db.Close()
}

func (a *app) services(withSigner bool) (*services, error) {
	client, err := a.openDB()
	if err != nil {
		return nil, err
	}
	db := client.DB()

	s := &services{
		client:   client,
		db:       db,
		repo:     auth.NewRepositoryManager(db),
		registry: prometheus.NewRegistry(),
	}
	s.repo.MustValidate()

	metrics, err := auth.NewMetricsSink(s.registry)
	if err != nil {
		db.Close()
		return nil, err
	}

	logger := a.logger
	s.activity = auth.MultiActivitySink{
		metrics,
		auth.ActivitySinkFunc(func(_ context.Context, e auth.ActivityEvent) error {
			logger.Debug("activity", "event", string(e.EventType), "user_id", e.UserID, "actor", e.Actor.ID)
			return nil
		}),
	}

	s.notifier = auth.LogNotifier{Logger: a.logger}
	if sg := a.cfg.SendGrid; sg.APIKey != "" {
		s.notifier = auth.NewSendGridNotifier(auth.SendGridConfig{
			APIKey:           sg.APIKey,
			FromName:         sg.FromName,
			FromEmail:        sg.FromEmail,
			VerifyEmailURL:   sg.VerifyEmailURL,
			ResetPasswordURL: sg.ResetPasswordURL,
		})
	}

	if !withSigner {
		return s, nil
	}

	s.signer, err = a.signer()
	if err != nil {
		db.Close()
		return nil, err
	}

	s.lifecycle = auth.NewLifecycleManager(s.repo, s.signer, a.cfg,
		auth.WithLogger(a.logger),
		auth.WithActivitySink(s.activity),
		auth.WithNotifier(s.notifier),
	)

	return s, nil
}

func (a *app) commandOptions(s *services) []auth.CommandOption {
	return []auth.CommandOption{
		auth.WithCommandConfig(a.cfg),
		auth.WithCommandLogger(a.logger),
		auth.WithCommandActivitySink(s.activity),
		auth.WithCommandNotifier(s.notifier),
	}
}
