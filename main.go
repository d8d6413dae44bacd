package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/computersciencehouse/pollify/config"
	"github.com/computersciencehouse/pollify/database"
	"github.com/computersciencehouse/pollify/fairness"
	"github.com/computersciencehouse/pollify/identity"
	"github.com/computersciencehouse/pollify/logging"
	"github.com/computersciencehouse/pollify/metrics"
	"github.com/computersciencehouse/pollify/sse"
	"github.com/computersciencehouse/pollify/voting"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		logging.Logger.WithFields(logrus.Fields{"module": "main", "method": "main", "error": err}).Error("exiting")
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := config.New()

	root := &cobra.Command{
		Use:           "pollify",
		Short:         "Real-time polls with layered duplicate vote protection",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and realtime channels",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			if path, _ := cmd.Flags().GetString("config"); path != "" {
				v.SetConfigFile(path)
			}
			if err := config.ReadFile(v); err != nil {
				return fmt.Errorf("failed to read config: %w", err)
			}
			cfg, err := config.Load(v)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := serve.Flags()
	flags.String("config", "", "path to a config file (default ./pollify.toml)")
	flags.String(config.KeyHTTPAddr, v.GetString(config.KeyHTTPAddr), "listen address")
	flags.String(config.KeyStoreDriver, v.GetString(config.KeyStoreDriver), "poll store: mongo or memory")
	flags.String(config.KeyMongoURI, "", "MongoDB connection string")
	flags.String(config.KeyAuthProvider, v.GetString(config.KeyAuthProvider), "identity provider: none, firebase or csh")
	flags.Bool(config.KeyRequireAccount, false, "require a verified account to vote")
	flags.Bool(config.KeyCheckAddress, false, "reject repeat votes from the same source address")
	flags.String(config.KeyLogLevel, v.GetString(config.KeyLogLevel), "log level")

	root.AddCommand(serve)
	return root
}

func run(ctx context.Context, cfg config.Config) error {
	log := logging.Logger.WithFields(logrus.Fields{"module": "main", "method": "run"})

	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid %s: %w", config.KeyLogLevel, err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	verifier, csh, err := openIdentity(ctx, cfg.Auth)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	broker := sse.NewBroker(cfg.BroadcastPatience, m.SetSubscribers)
	go broker.Listen(ctx)

	rules := fairness.Ruleset{
		RequireAccount: cfg.Fairness.RequireAccount,
		CheckAddress:   cfg.Fairness.CheckAddress,
	}
	s := &server{
		polls:    voting.NewCoordinator(store, identity.NewResolver(verifier), rules, broker, m),
		broker:   broker,
		csh:      csh,
		gatherer: registry,
		origins:  cfg.CORSOrigins,
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           corsHandler(cfg.CORSOrigins).Handler(s.router()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":     cfg.HTTPAddr,
			"store":    cfg.Store.Driver,
			"auth":     cfg.Auth.Provider,
			"fairness": rules.Name(),
		}).Info("server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func corsHandler(origins []string) *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", identity.HeaderVoteToken, identity.HeaderClientId},
		ExposedHeaders: []string{identity.HeaderVoteToken},
	})
}

func openStore(ctx context.Context, cfg config.StoreConfig) (voting.Store, func(), error) {
	if cfg.Driver == config.StoreMemory {
		logging.Logger.WithFields(logrus.Fields{"module": "main", "method": "openStore"}).Warn("using the in-memory store, polls are lost on restart")
		return database.NewMemoryStore(), func() {}, nil
	}

	client, err := database.Connect(ctx, cfg.MongoURI, cfg.Timeout, cfg.ConnectRetries)
	if err != nil {
		return nil, nil, err
	}
	store := database.NewMongoStore(client, cfg.Database, cfg.Timeout)
	if err := store.EnsureIndexes(ctx); err != nil {
		database.Disconnect(client, cfg.Timeout)
		return nil, nil, err
	}
	return store, func() { database.Disconnect(client, cfg.Timeout) }, nil
}

func openIdentity(ctx context.Context, cfg config.AuthConfig) (identity.Verifier, *identity.CSHProvider, error) {
	switch cfg.Provider {
	case config.AuthFirebase:
		verifier, err := identity.NewFirebaseVerifier(ctx, cfg.FirebaseCredentialsJSON, cfg.FirebaseCredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		return verifier, nil, nil
	case config.AuthCSH:
		return nil, identity.NewCSHProvider(identity.CSHConfig{
			ClientId:  cfg.CSHClientId,
			Secret:    cfg.CSHSecret,
			JWTSecret: cfg.CSHJWTSecret,
			State:     cfg.CSHState,
			Host:      cfg.CSHHost,
		}), nil
	default:
		return nil, nil, nil
	}
}
