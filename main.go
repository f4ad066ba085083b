// Package main implements a Cloud Run service that emails offline chat users
// about messages they were sent while away.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"offline-notifier/compose"
	"offline-notifier/config"
	"offline-notifier/directory"
	"offline-notifier/dispatch"
	"offline-notifier/email"
	"offline-notifier/i18n"
	"offline-notifier/link"
	"offline-notifier/poll"
	"offline-notifier/schedule"
	"offline-notifier/server"
	docstore "offline-notifier/storage"
)

const dueRunTimeout = 5 * time.Minute

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var storageClient *storage.Client
	if cfg.Local() {
		logger.Info("Running in local development mode", "storage_path", cfg.LocalStorage)
		if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
			return fmt.Errorf("create local storage directory: %w", err)
		}
	} else {
		storageClient, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("initialize storage client: %w", err)
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}()
	}
	store := docstore.New(storageClient, cfg.StorageBucket, cfg.LocalStorage, logger)

	translator, err := i18n.New(cfg.DefaultLanguage)
	if err != nil {
		return err
	}
	if translator.Language() != cfg.DefaultLanguage {
		logger.Warn("Language not available, using fallback", "language", cfg.DefaultLanguage, "fallback", translator.Language())
	}

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}

	a := newApp(cfg, store, provider, translator, logger)
	if err := a.monitor.Start(cfg.DueCheckInterval); err != nil {
		return err
	}
	serveErr := a.server.ListenAndServe(ctx, cfg.Port)

	a.monitor.Stop()
	a.mailer.Wait()
	logger.Info("Shutdown complete")
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", serveErr)
	}
	return nil
}

// app holds the wired service components.
type app struct {
	directory *directory.Directory
	engine    *dispatch.Engine
	scheduler *schedule.Scheduler
	mailer    *email.Dispatcher
	monitor   *poll.Monitor
	server    *server.Server
}

func newApp(cfg *config.Config, store *docstore.Store, provider email.Provider, translator *i18n.Translator, logger *slog.Logger) *app {
	mailer := email.NewDispatcher(provider, cfg.MailRatePerSecond, logger)
	dir := directory.New(store, logger)
	composer := compose.New(compose.Passthrough{}, translator, compose.Settings{
		SiteName: cfg.SiteName,
		SiteURL:  cfg.BaseURL,
		Header:   cfg.EmailHeader,
		Footer:   cfg.EmailFooter,
	})
	links := link.NewBuilder(link.DefaultRoutes(), dir, translator, cfg.BaseURL)
	scheduler := schedule.New(store, mailer, translator, logger, nil)

	engine := dispatch.New(&dispatch.Config{
		Subscriptions: dir,
		Users:         dir,
		Messages:      dir,
		Composer:      composer,
		Links:         links,
		Mailer:        mailer,
		Digests:       scheduler,
		Deferrer:      scheduler,
		Logger:        logger,
		Settings: dispatch.Settings{
			FromEmail:              cfg.FromEmail,
			BlockEditMinutes:       cfg.BlockEditMinutes,
			AllowEditing:           cfg.AllowEditing,
			NotifyAfterEditExpires: cfg.NotifyAfterEditExpires,
		},
	})
	scheduler.SetResumer(engine)

	monitor := poll.New(scheduler, dueRunTimeout, logger)
	srv := server.New(&server.Config{
		Notifier:  engine,
		Directory: dir,
		Poller:    monitor,
		Logger:    logger,
		IsUnknownRoom: func(err error) bool {
			return errors.Is(err, directory.ErrUnknownRoom)
		},
	})

	return &app{
		directory: dir,
		engine:    engine,
		scheduler: scheduler,
		mailer:    mailer,
		monitor:   monitor,
		server:    srv,
	}
}

func newProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Provider, error) {
	switch cfg.MailProvider {
	case config.ProviderGmail:
		service, err := initGmailService(ctx, cfg.GoogleCredentials)
		if err != nil {
			return nil, fmt.Errorf("initialize Gmail service: %w", err)
		}
		return email.NewGmailProvider(service, logger), nil
	case config.ProviderBrevo:
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.SiteName, logger), nil
	case config.ProviderPostmark:
		return email.NewPostmarkProvider(cfg.PostmarkServerToken, cfg.PostmarkAccountToken, logger)
	default:
		logger.Info("Mock email mode enabled")
		return email.NewMockProvider(logger), nil
	}
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// On Cloud Run the service account needs the gmail.send scope.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}
	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}
