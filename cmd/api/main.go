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

	"github.com/mcclellann/ngnasoro/pkg/config"
	"github.com/mcclellann/ngnasoro/pkg/notify"
	"github.com/mcclellann/ngnasoro/pkg/scheduler"
	"github.com/mcclellann/ngnasoro/pkg/store"
	"github.com/sirupsen/logrus"
)

// runOverdue flags installments whose due date has passed.
func (s *Server) runOverdue(ctx context.Context) (int, error) {
	marked, err := s.ledger.MarkOverdue(ctx, s.today(), s.lateFeeRate)
	if err != nil {
		return 0, err
	}
	s.metrics.InstallmentsMarkedLate(marked)
	return marked, nil
}

// runReminders is the cron form of the reminder sweep.
func (s *Server) runReminders(ctx context.Context) error {
	if res := s.scanner.Run(ctx); !res.Success {
		return fmt.Errorf("reminder sweep incomplete, %d notifications created", res.NotificationsCreated)
	}
	return nil
}

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	logLevel, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	storage, err := store.New(cfg.DBDriver, cfg.DBConn)
	if err != nil {
		logger.Fatalf("Failed to initialize %s store: %v", cfg.DBDriver, err)
	}
	defer storage.Close()

	var mailer *notify.Mailer
	if cfg.MailEnabled() {
		mailer = notify.NewMailer(notify.MailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SenderEmail,
		}, logger)
	}

	server, err := NewServer(storage, cfg, mailer, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize server: %v", err)
	}
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET is empty, authentication is disabled")
	}

	jobs := scheduler.New(server.location, logger)
	if err := jobs.Register(cfg.ReminderCron, "payment_reminders", server.runReminders); err != nil {
		logger.Fatalf("Failed to schedule reminders: %v", err)
	}
	if err := jobs.Register(cfg.OverdueCron, "overdue_installments", func(ctx context.Context) error {
		_, err := server.runOverdue(ctx)
		return err
	}); err != nil {
		logger.Fatalf("Failed to schedule overdue sweep: %v", err)
	}
	jobs.Start()

	addr := fmt.Sprintf(":%s", cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		logger.Infof("Server starting on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown failed")
	}
	jobs.Stop()
}
