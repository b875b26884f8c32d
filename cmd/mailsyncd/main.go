// Command mailsyncd runs the mailbox sync engine and the outbound
// delivery queue for every configured account.
package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/credentials"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/notify"
	"github.com/brandon/mailsync/internal/queue"
	"github.com/brandon/mailsync/internal/store"
	mailsync "github.com/brandon/mailsync/internal/sync"
	"github.com/brandon/mailsync/pkg/types"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailsyncd %s\n", version)
		return
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	logger.WithFields(logrus.Fields{
		"version":  version,
		"accounts": len(cfg.Accounts),
	}).Info("Starting mailsyncd")

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close store")
		}
	}()

	secrets := credentials.NewMemorySecrets()
	accounts, err := registerAccounts(cfg, st, secrets, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to register accounts")
	}

	provider := credentials.NewProvider(secrets, nil, st, logger)

	q := queue.New(st, cfg.MaxAttempts, cfg.Retention, cfg.DequeueWait, logger)
	worker := queue.NewWorker(q, st, provider, email.NewDeliverer(logger), email.NewMailbox(logger), logger)
	syncSvc := mailsync.NewService(st, provider, email.NewMailbox(logger), notify.LogSink{Logger: logger}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	for _, acc := range accounts {
		syncSvc.StartPolling(ctx, acc.ID, cfg.PollInterval)
	}

	<-ctx.Done()
	logger.Info("Shutting down")
	syncSvc.StopAll()
	wg.Wait()
	logger.Info("Shutdown complete")
}

// registerAccounts upserts configured accounts into the store and
// seeds the in-process secret store with their credentials.
func registerAccounts(cfg *config.Config, st *store.Store, secrets *credentials.MemorySecrets, logger *logrus.Logger) ([]types.Account, error) {
	out := make([]types.Account, 0, len(cfg.Accounts))
	for _, ac := range cfg.Accounts {
		acc, err := st.UpsertAccount(ac.ToAccount(uuid.NewString()))
		if err != nil {
			return nil, fmt.Errorf("failed to register account %q: %w", ac.Name, err)
		}

		bundle := types.CredentialBundle{
			Type:     types.AuthType(ac.AuthType),
			Username: ac.Username,
			Password: ac.Password,
		}
		if bundle.Username == "" {
			bundle.Username = ac.Email
		}
		if err := secrets.Save(acc.ID, bundle); err != nil {
			return nil, fmt.Errorf("failed to store credentials for %q: %w", ac.Name, err)
		}
		if bundle.Type == types.AuthOAuth2 {
			logger.WithField("account", ac.Name).Warn("OAuth account needs tokens provisioned externally")
		}

		logger.WithFields(logrus.Fields{
			"account": ac.Name,
			"email":   acc.Email,
		}).Info("Registered account")
		out = append(out, acc)
	}
	if len(out) == 0 {
		logger.Warn("No accounts configured")
	}
	return out, nil
}
