// Command coordinator runs one node of the replica coordination fleet.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dd0wney/pokeball-coordinator/pkg/auth"
	"github.com/dd0wney/pokeball-coordinator/pkg/config"
	"github.com/dd0wney/pokeball-coordinator/pkg/logging"
	"github.com/dd0wney/pokeball-coordinator/pkg/metrics"
	"github.com/dd0wney/pokeball-coordinator/pkg/node"
	"github.com/dd0wney/pokeball-coordinator/pkg/replica"
	coordtls "github.com/dd0wney/pokeball-coordinator/pkg/tls"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "coordinator.yaml", "Path to the coordinator config file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error); overrides the config file")
	issueRole := flag.String("issue-token", "", "Print an admin token for the given role (operator, viewer) and exit")
	subject := flag.String("subject", "admin", "Subject of the token printed by -issue-token")
	flag.Parse()

	if *issueRole != "" {
		if err := issueToken(*configPath, *subject, *issueRole); err != nil {
			fmt.Fprintf(os.Stderr, "coordinator: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*configPath, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "coordinator: %v\n", err)
		os.Exit(1)
	}
}

func issueToken(configPath, subject, role string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Admin.JWTSecret == "" {
		return fmt.Errorf("admin.jwt_secret is not set")
	}
	tokens, err := auth.NewTokenManager(cfg.Admin.JWTSecret, cfg.Admin.TokenTTL)
	if err != nil {
		return err
	}
	token, err := tokens.Issue(subject, role)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func run(configPath, logLevel string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel == "" {
		logLevel = cfg.Logging.Level
	}
	logger := logging.NewFromEnv(logLevel)
	logging.SetDefaultLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cleanup := node.NewResourceCleanup(logger)
	defer cleanup.Cleanup()

	clients := make([]redis.UniversalClient, 0, len(cfg.Redis))
	for _, rc := range cfg.Redis {
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		cleanup.Add(client, "redis "+rc.Addr)
		clients = append(clients, client)
	}

	stores, err := openReplicas(ctx, cfg.Replicas, cleanup)
	if err != nil {
		return err
	}

	n, err := node.New(node.Options{
		Config:  cfg,
		Stores:  stores,
		Redis:   clients,
		Logger:  logger,
		Metrics: metrics.DefaultRegistry(),
	})
	if err != nil {
		return err
	}
	cleanup.Add(n, "node")

	var admin *node.AdminServer
	if cfg.Admin.Addr != "" {
		var tokens *auth.TokenManager
		if cfg.Admin.JWTSecret != "" {
			if tokens, err = auth.NewTokenManager(cfg.Admin.JWTSecret, cfg.Admin.TokenTTL); err != nil {
				return err
			}
		} else {
			logger.Warn("admin.jwt_secret not set, row and tick endpoints are unauthenticated")
		}
		admin = node.NewAdminServer(cfg.Admin.Addr, n, tokens)
		if tc := cfg.Admin.TLS; tc.Enabled {
			tlsCfg := coordtls.DefaultConfig()
			tlsCfg.CertFile, tlsCfg.KeyFile, tlsCfg.CAFile = tc.CertFile, tc.KeyFile, tc.CAFile
			if len(tc.Hosts) > 0 {
				tlsCfg.Hosts = tc.Hosts
			}
			serverTLS, err := coordtls.ServerConfig(tlsCfg)
			if err != nil {
				return err
			}
			admin.SetTLSConfig(serverTLS)
		}
		go func() {
			if err := admin.ListenAndServe(); err != nil {
				logger.Error("admin server failed", logging.Error(err))
				stop()
			}
		}()
	}

	runErr := n.Run(ctx)

	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin server shutdown failed", logging.Error(err))
		}
	}
	return runErr
}

// openReplicas opens every configured replica in membership order. A
// postgres replica that is unreachable at start-up still opens unless it
// has to be migrated; the health monitor marks it down on the first pass.
func openReplicas(ctx context.Context, cfgs []config.ReplicaConfig, cleanup *node.ResourceCleanup) ([]replica.Store, error) {
	stores := make([]replica.Store, 0, len(cfgs))
	for _, rc := range cfgs {
		var (
			s   replica.Store
			err error
		)
		switch rc.Driver {
		case "postgres":
			s, err = replica.NewPGStore(ctx, rc.Name, rc.URL, replica.PGOptions{Migrate: rc.Migrate})
		case "badger":
			s, err = replica.NewBadgerStore(rc.Name, rc.Path)
		default:
			err = fmt.Errorf("unknown driver %q", rc.Driver)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open replica %s: %w", rc.Name, err)
		}
		cleanup.Add(s, "replica "+rc.Name)
		stores = append(stores, s)
	}
	return stores, nil
}
