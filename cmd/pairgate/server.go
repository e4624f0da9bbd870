package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pairgate/pairgate/internal/abuse"
	"github.com/pairgate/pairgate/internal/admission"
	"github.com/pairgate/pairgate/internal/api"
	"github.com/pairgate/pairgate/internal/audit"
	"github.com/pairgate/pairgate/internal/auth"
	"github.com/pairgate/pairgate/internal/config"
	"github.com/pairgate/pairgate/internal/credential"
	"github.com/pairgate/pairgate/internal/db"
	"github.com/pairgate/pairgate/internal/logging"
	"github.com/pairgate/pairgate/internal/pairing"
	"github.com/pairgate/pairgate/internal/secrets"
	"github.com/pairgate/pairgate/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serverFlags = config.FromEnv()

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the pairing and admission server",
	Long: `Start the pairgate server: the pairing handshake endpoints, the
connection admission endpoints, and the admin API.

On first run an admin API key is generated and printed once. The hashing
secret is persisted to --secret-file unless --secret-store=memory is set,
in which case all issued tokens become invalid on restart.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	f := serverCmd.Flags()
	f.IntVar(&serverFlags.APIPort, "api-port", serverFlags.APIPort, "API port to listen on")
	f.StringVar(&serverFlags.DBPath, "db", serverFlags.DBPath, "database path")
	f.StringVar(&serverFlags.CertDir, "cert-dir", serverFlags.CertDir, "directory for the certificate authority key pair")
	f.StringVar(&serverFlags.SecretStore, "secret-store", serverFlags.SecretStore, "hashing secret backend (file|memory)")
	f.StringVar(&serverFlags.SecretFile, "secret-file", serverFlags.SecretFile, "path of the persisted hashing secret")
	f.DurationVar(&serverFlags.PairingExpiry, "pairing-expiry", serverFlags.PairingExpiry, "pairing session lifetime")
	f.IntVar(&serverFlags.MaxPairedDevices, "max-paired-devices", serverFlags.MaxPairedDevices, "maximum simultaneously paired devices")
	f.IntVar(&serverFlags.MaxCodeAttempts, "max-code-attempts", serverFlags.MaxCodeAttempts, "verification attempts before a session fails")
	f.DurationVar(&serverFlags.TokenTTL, "token-ttl", serverFlags.TokenTTL, "bearer token lifetime")
	f.IntVar(&serverFlags.MaxConnections, "max-connections", serverFlags.MaxConnections, "maximum concurrent device connections")
	f.DurationVar(&serverFlags.HeartbeatTimeout, "heartbeat-timeout", serverFlags.HeartbeatTimeout, "connection heartbeat timeout")
	f.DurationVar(&serverFlags.AbuseWindow, "abuse-window", serverFlags.AbuseWindow, "sliding window for attempt counting")
	f.IntVar(&serverFlags.AbuseMaxAttempts, "abuse-max-attempts", serverFlags.AbuseMaxAttempts, "attempts allowed per window")
	f.IntVar(&serverFlags.AbuseBackoffBase, "abuse-backoff-base", serverFlags.AbuseBackoffBase, "exponential backoff base")
	f.Float64Var(&serverFlags.AbuseBackoffMultiplier, "abuse-backoff-multiplier", serverFlags.AbuseBackoffMultiplier, "backoff multiplier in seconds")
	f.DurationVar(&serverFlags.AbuseMaxBackoff, "abuse-max-backoff", serverFlags.AbuseMaxBackoff, "backoff ceiling")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg := serverFlags
	if err := cfg.Validate(); err != nil {
		return err
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	pepper, err := loadPepper(cfg)
	if err != nil {
		return err
	}

	count, err := db.CountAPIKeys(database)
	if err != nil {
		return fmt.Errorf("count API keys: %w", err)
	}
	if count == 0 {
		displayKey, prefix, hash, err := auth.GenerateAPIKey(pepper)
		if err != nil {
			return fmt.Errorf("generate API key: %w", err)
		}
		if _, err := db.CreateAPIKey(database, prefix, hash); err != nil {
			return fmt.Errorf("create API key: %w", err)
		}
		fmt.Println("=============================================================")
		fmt.Println("ADMIN API KEY CREATED (save this, it will not be shown again):")
		fmt.Println(displayKey)
		fmt.Println("=============================================================")
	}

	ca, err := credential.LoadOrCreateAuthority(cfg.CertDir)
	if err != nil {
		return fmt.Errorf("load certificate authority: %w", err)
	}

	issuer := credential.NewIssuer(ca, pepper)
	issuer.TokenTTL = cfg.TokenTTL

	ctx := context.Background()

	recorder := audit.NewRecorder(database, logger.Named("audit"))
	recorder.Start(ctx)

	guard := abuse.NewGuard(abuse.Options{
		Window:            cfg.AbuseWindow,
		MaxAttempts:       cfg.AbuseMaxAttempts,
		BackoffBase:       cfg.AbuseBackoffBase,
		BackoffMultiplier: cfg.AbuseBackoffMultiplier,
		MaxBackoff:        cfg.AbuseMaxBackoff,
	}, logger.Named("abuse"))
	guard.Start(ctx)

	controller := admission.NewController(admission.Options{
		MaxConnections:   cfg.MaxConnections,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	}, &auditNotifier{logger: logger.Named("admission"), sink: recorder}, logger.Named("admission"))
	controller.Start(ctx)

	coordinator := pairing.NewCoordinator(pairing.Options{
		Expiry:           cfg.PairingExpiry,
		MaxPairedDevices: cfg.MaxPairedDevices,
		MaxCodeAttempts:  cfg.MaxCodeAttempts,
	}, &db.CredentialStore{DB: database}, issuer, recorder, logger.Named("pairing"))
	coordinator.Start(ctx)

	apiSrv := &server.APIServer{
		DB:          database,
		Coordinator: coordinator,
		Admission:   controller,
		Guard:       guard,
		Pepper:      pepper,
		Logger:      logger.Named("api"),
		Audit:       recorder,
		Stats: func() api.StatsResponse {
			s := controller.Stats()
			return api.StatsResponse{
				ActiveConnections:  s.ActiveConnections,
				MaxConnections:     s.MaxConnections,
				QueueLength:        s.QueueLength,
				TotalServed:        s.TotalServed,
				TotalRejected:      s.TotalRejected,
				TimedOut:           s.TimedOut,
				PairingSessions:    coordinator.SessionCount(),
				DroppedAuditEvents: recorder.Dropped(),
			}
		},
	}

	addr := fmt.Sprintf(":%d", cfg.APIPort)
	apiServer := server.NewManagedServer("api", server.DefaultServerConfig(addr, apiSrv.Handler(), logger.Named("api")))
	apiServer.Start()
	if err := apiServer.WaitForStartup(500 * time.Millisecond); err != nil {
		return err
	}
	logger.Info("api server listening", logging.Port(cfg.APIPort))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	apiServer.Shutdown(shutdownCtx)
	coordinator.Stop()
	controller.Stop()
	guard.Stop()
	recorder.Stop()

	return nil
}

// loadPepper resolves the hashing secret. A file store that cannot be used
// falls back to an ephemeral secret with a loud warning rather than refusing
// to start.
func loadPepper(cfg *config.Config) ([]byte, error) {
	if cfg.SecretStore == "memory" {
		logger.Warn("using in-memory hashing secret; issued tokens will not survive a restart")
		return (&secrets.MemoryProvider{}).Load()
	}

	pepper, err := (&secrets.FileProvider{Path: cfg.SecretFile}).Load()
	if err != nil {
		logger.Error("secret file unusable, falling back to in-memory secret; issued tokens will not survive a restart",
			zap.String("path", cfg.SecretFile), zap.Error(err))
		return (&secrets.MemoryProvider{}).Load()
	}
	return pepper, nil
}

// auditNotifier reports connection lifecycle transitions to the log and the
// audit trail.
type auditNotifier struct {
	logger *zap.Logger
	sink   audit.Sink
}

func (n *auditNotifier) Promoted(conn *admission.ActiveConnection) {
	n.logger.Info("connection promoted from queue",
		logging.DeviceID(conn.DeviceID),
		logging.ConnectionID(conn.ConnectionID))
	n.sink.Log(audit.EventConnectionOpened, conn.DeviceID, audit.SeverityInfo, map[string]string{
		"connection_id": conn.ConnectionID,
		"promoted":      "true",
	})
}

func (n *auditNotifier) Closed(deviceID, reason string) {
	n.logger.Info("connection closed",
		logging.DeviceID(deviceID),
		logging.Reason(reason))
	n.sink.Log(audit.EventConnectionClosed, deviceID, audit.SeverityInfo, map[string]string{
		"reason": reason,
	})
}
