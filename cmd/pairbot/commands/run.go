package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ashureev/pairbot/internal/api"
	"github.com/ashureev/pairbot/internal/config"
	"github.com/ashureev/pairbot/internal/credstore"
	"github.com/ashureev/pairbot/internal/dispatch"
	"github.com/ashureev/pairbot/internal/domain"
	"github.com/ashureev/pairbot/internal/health"
	"github.com/ashureev/pairbot/internal/pairing"
	"github.com/ashureev/pairbot/internal/readiness"
	"github.com/ashureev/pairbot/internal/reply"
	"github.com/ashureev/pairbot/internal/session"
	"github.com/ashureev/pairbot/internal/store"
	"github.com/ashureev/pairbot/internal/transport"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
)

var (
	exitOnLogout bool
	noQR         bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the gateway and answer messages until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		return runBot(cmd.Context(), cfg, logger)
	},
}

func init() {
	runCmd.Flags().BoolVar(&exitOnLogout, "exit-on-logout", false, "exit with a non-zero status when the service logs the session out")
	runCmd.Flags().BoolVar(&noQR, "no-qr", false, "print pairing codes without rendering a QR code")
}

func runBot(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting pairbot",
		"client_id", cfg.ClientID,
		"gateway", cfg.GatewayURL,
		"ready_budget", cfg.ReadyBudget())

	creds, err := credstore.New(cfg.AuthStateDir, cfg.ClientID, logger)
	if err != nil {
		logger.Error("Failed to initialize credential store", "error", err)
		return err
	}

	journal, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		logger.Error("Failed to initialize journal", "error", err)
		return err
	}
	defer func() {
		if closeErr := journal.Close(); closeErr != nil {
			logger.Error("Failed to close journal", "error", closeErr)
		}
	}()

	rules, err := reply.LoadRules(cfg.ReplyRulesPath, logger)
	if err != nil {
		logger.Error("Failed to load reply rules", "error", err)
		return err
	}

	dispatcher, err := dispatch.New(readiness.New(logger), rules, dispatch.Config{
		Probe:       cfg.Readiness.Probe,
		MaxAttempts: cfg.Readiness.MaxAttempts,
		Interval:    cfg.Readiness.Interval,
		Quiescence:  cfg.Readiness.Quiescence,
	}, logger, dispatch.WithJournal(journal))
	if err != nil {
		return err
	}

	var loggedOut atomic.Bool
	machine := session.NewMachine(logger)
	machine.Subscribe(func(tr domain.Transition) {
		if err := journal.RecordTransition(context.Background(), tr); err != nil {
			logger.Warn("Failed to journal transition", "error", err, "new_state", tr.To)
		}
		if tr.To == domain.StateLoggedOut {
			loggedOut.Store(true)
			if exitOnLogout {
				stop()
			}
		}
	})

	display := pairing.NewTerminalDisplay(os.Stdout, cfg.PairingTimeout)
	if noQR {
		display.WithoutQR()
	}

	ctrl, err := session.NewController(session.Options{
		Store:      creds,
		Dialer:     transport.NewWebSocketDialer(cfg.GatewayURL, cfg.ClientID, cfg.DialTimeout, logger),
		Display:    display,
		Dispatcher: dispatcher,
		Machine:    machine,
		Policy: session.NewPolicy(session.PolicyConfig{
			Delay:         cfg.Reconnect.Delay,
			Backoff:       cfg.Reconnect.Backoff,
			MaxDelay:      cfg.Reconnect.MaxDelay,
			FlapThreshold: cfg.Reconnect.FlapThreshold,
			FlapWindow:    cfg.Reconnect.FlapWindow,
		}, logger),
		PairingTimeout: cfg.PairingTimeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	var srv *http.Server
	if cfg.StatusAddr != "" {
		r := chi.NewRouter()
		r.Use(chiMiddleware.RequestID)
		r.Use(chiMiddleware.RealIP)
		r.Use(chiMiddleware.Logger)
		r.Use(chiMiddleware.Recoverer)
		r.Use(chiMiddleware.Heartbeat("/ping"))
		api.NewStatusHandler(ctrl, journal, cfg.StatusToken, cfg.ReadyBudget()).RegisterRoutes(r)

		srv = &http.Server{
			Addr:         cfg.StatusAddr,
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			logger.Info("Status server listening", "addr", cfg.StatusAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Status server error", "error", err)
			}
		}()
	}

	if cfg.GRPCHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			logger.Error("Failed to listen for gRPC health", "addr", cfg.GRPCHealthAddr, "error", err)
			return err
		}
		hs := health.NewServer(logger)
		hs.Watch(machine)
		go func() {
			if err := hs.Serve(lis); err != nil {
				logger.Error("gRPC health server error", "error", err)
			}
		}()
		defer hs.Stop()
	}

	runErr := ctrl.Run(ctx)
	logger.Info("Shutting down", "state", ctrl.State())

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Status server shutdown error", "error", err)
		}
	}

	if runErr != nil {
		return runErr
	}
	if exitOnLogout && loggedOut.Load() {
		return fmt.Errorf("session logged out; run `pairbot reset` and restart to pair again")
	}
	logger.Info("Shutdown complete")
	return nil
}
