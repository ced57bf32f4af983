package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	api "github.com/mind-engage/mindengage-exams/internal/api/http"
	auth "github.com/mind-engage/mindengage-exams/internal/auth/middleware"
	"github.com/mind-engage/mindengage-exams/internal/config"
	"github.com/mind-engage/mindengage-exams/internal/db"
	"github.com/mind-engage/mindengage-exams/internal/exam"
	"github.com/mind-engage/mindengage-exams/internal/grading"
	"github.com/mind-engage/mindengage-exams/internal/logger"
	"github.com/mind-engage/mindengage-exams/internal/metrics"
	"github.com/mind-engage/mindengage-exams/internal/rbac"
	"github.com/mind-engage/mindengage-exams/internal/release"
	"github.com/mind-engage/mindengage-exams/internal/review"
	"github.com/mind-engage/mindengage-exams/internal/session"
	syncx "github.com/mind-engage/mindengage-exams/internal/sync"
	"github.com/mind-engage/mindengage-exams/internal/tracing"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "examd",
		Short:        "Exam session and grading engine",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.String("db-driver", "", "Database driver (sqlite, postgres)")
	pf.String("db-dsn", "", "Database DSN")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.String("log-file", "", "Also write JSON logs to this rotated file")

	serve := serveCmd()
	root.AddCommand(serve, sweepCmd(), regradeCmd())
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())
	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", "", "HTTP listen address")
	f.Duration("sweep-interval", 0, "Run the scheduled release sweep at this interval (0 disables)")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Release results of SCHEDULED exams that are past due",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer app.close()
			n, err := app.release.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %d submissions\n", n)
			return nil
		},
	}
}

func regradeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "regrade",
		Short: "Regrade every submitted attempt against the current exam definitions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer app.close()
			rep, err := app.review.RegradeAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, updated %d, unchanged %d, failed %d\n",
				rep.Scanned, rep.Updated, rep.Unchanged, rep.Failed)
			return nil
		},
	}
}

// viperForCmd layers command flags over env and the optional config file.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := config.New()
	bind := map[string]string{
		"DB_DRIVER":      "db-driver",
		"DB_DSN":         "db-dsn",
		"LOG_LEVEL":      "log-level",
		"LOG_FILE":       "log-file",
		"HTTP_ADDR":      "addr",
		"SWEEP_INTERVAL": "sweep-interval",
	}
	for key, name := range bind {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			_ = v.BindPFlag(key, f)
		}
	}
	return v
}

type app struct {
	cfg      config.Config
	log      *zap.Logger
	dbh      *sql.DB
	store    exam.Store
	events   *syncx.EventRepo
	grader   *grading.Engine
	sessions *session.Manager
	review   *review.Service
	release  *release.Engine
}

func bootstrap(cmd *cobra.Command) (*app, error) {
	cfg := config.Load(viperForCmd(cmd))
	log := logger.New(cfg.LogLevel, cfg.LogFile)

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := exam.NewSQLStore(dbh, cfg.DBDriver)
	events := syncx.NewEventRepo(dbh, string(cfg.Mode))
	grader := grading.New(grading.WithDefaultPolicy(exam.Policy{
		NegativeMarkPenalty: cfg.NegativeMarkingDefault,
		LatePenaltyPercent:  cfg.LatePenaltyDefault,
	}))
	return &app{
		cfg:      cfg,
		log:      log,
		dbh:      dbh,
		store:    store,
		events:   events,
		grader:   grader,
		sessions: session.New(store, grader, session.WithEvents(events), session.WithLogger(log)),
		review:   review.New(store, grader, events, log),
		release:  release.New(store, events, log, nil),
	}, nil
}

func (a *app) close() {
	_ = a.dbh.Close()
	_ = a.log.Sync()
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Init()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer("mindengage-exams", cfg.TracingEndpoint)
		if err != nil {
			a.log.Warn("tracing disabled", zap.Error(err))
		} else {
			defer func() { _ = tp.Shutdown(context.Background()) }()
		}
	}

	var login *auth.LocalLogin
	authSvc := auth.NewAuthService(cfg.AuthHMACSecret)
	if cfg.EnableLocalAuth {
		login = &auth.LocalLogin{Auth: authSvc, AdminUser: cfg.AdminUser, AdminPassHash: cfg.AdminPassHash}
	}

	handler := api.NewRouter(api.Deps{
		Sessions:      a.sessions,
		Review:        a.review,
		Release:       a.release,
		Checker:       rbac.NewChecker(nil),
		Auth:          authSvc,
		Login:         login,
		Log:           a.log,
		CORSOrigins:   cfg.CORSOrigins(),
		RatePerMinute: cfg.RateLimitPerMinute,
		Ready:         a.dbh.PingContext,
		Stop:          ctx.Done(),
	})

	if cfg.SweepInterval > 0 {
		go a.release.Run(ctx, cfg.SweepInterval)
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	a.log.Info("listening",
		zap.String("addr", cfg.HTTPAddr), zap.String("mode", string(cfg.Mode)),
		zap.String("db", cfg.DBDriver), zap.Duration("sweep_interval", cfg.SweepInterval))

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.log.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
