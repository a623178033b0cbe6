package app

import (
	"context"
	"io"
	"log/slog"

	"tutorchat/internal/api"
	"tutorchat/internal/conn"
	"tutorchat/internal/session"
	"tutorchat/internal/tui"
	"tutorchat/internal/wire"
)

// NewSessionFactory returns a constructor for sessions bound to cfg. The
// history source authenticates with the identity's token.
func NewSessionFactory(cfg ClientConfig, client *api.Client, dialer conn.Dialer, logger *slog.Logger) func(wire.Identity) *session.Session {
	return func(id wire.Identity) *session.Session {
		return session.New(session.Options{
			URL:             cfg.ServerURL,
			Dialer:          dialer,
			History:         client.WithToken(id.Token),
			Logger:          logger,
			Backoff:         conn.Backoff{Base: cfg.Sync.BackoffBase, Cap: cfg.Sync.BackoffCap},
			MaxAttempts:     cfg.Sync.MaxAttempts,
			UserAgent:       UserAgent(),
			TypingIdle:      cfg.Sync.TypingIdle,
			TypingTTL:       cfg.Sync.TypingTTL,
			ReceiptDelay:    cfg.Sync.ReceiptDelay,
			SendTimeout:     cfg.Sync.SendTimeout,
			HistoryPages:    cfg.Sync.HistoryPages,
			HistoryPageSize: cfg.Sync.HistoryPageSize,
		})
	}
}

// RunClient launches the Bubble Tea client with the provided configuration.
func RunClient(cfg ClientConfig, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	client := api.NewClient(cfg.APIURL)
	client.UserAgent = UserAgent()

	opts := tui.Options{
		ServerURL:  cfg.ServerURL,
		Username:   cfg.Username,
		Room:       cfg.Room,
		Watch:      cfg.Watch,
		Version:    Version,
		Login:      client.Login,
		NewSession: NewSessionFactory(cfg, client, conn.NewWebsocketDialer(nil), logger),
		Upload: func(ctx context.Context, token, filename string, content io.Reader) (string, error) {
			return client.WithToken(token).Upload(ctx, filename, content)
		},
		Remember: func(username string, id wire.Identity) error {
			if cfg.SessionPath == "" {
				return nil
			}
			return SaveLogin(cfg.SessionPath, SavedLogin{Username: username, UserID: id.UserID, Role: id.Role, Token: id.Token})
		},
		Forget: func() error {
			return DeleteSavedLogin(cfg.SessionPath)
		},
		Logger: logger,
	}

	if cfg.SessionPath != "" {
		if saved, err := LoadSavedLogin(cfg.SessionPath); err == nil && (cfg.Username == "" || cfg.Username == saved.Username) {
			id := saved.Identity()
			opts.Saved = &id
			opts.Username = saved.Username
			logger.Info("resuming saved login", "user", saved.Username)
		}
	}

	logger.Info("starting client", "version", Version, "server", cfg.ServerURL, "api", cfg.APIURL)
	return tui.Run(opts)
}
