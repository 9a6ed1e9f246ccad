package main

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"huddle/api/internal/app"
	"huddle/api/internal/attachment"
	"huddle/api/internal/clock"
	"huddle/api/internal/config"
	"huddle/api/internal/email"
	"huddle/api/internal/logging"
	"huddle/api/internal/notify"
	"huddle/api/internal/search"
	"huddle/api/internal/store"
)

func loadConfig(cfgFile string) (config.Config, *zap.Logger, error) {
	v, err := config.NewViper(cfgFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

// runtime holds the wired application service and whatever must be closed
// with it.
type runtime struct {
	db         *sql.DB
	service    *app.Service
	dispatcher *notify.Dispatcher
	search     *search.Service
	fts        *search.PgFTS
	closers    []func()
}

func (r *runtime) Close() {
	r.dispatcher.Wait()
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	_ = r.db.Close()
}

func buildRuntime(ctx context.Context, cfg config.Config, logger *zap.Logger) (*runtime, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	rt := &runtime{db: db}

	dataStore := store.NewPostgresStore(db)
	mailer := email.NewService(email.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		FromName: cfg.SMTP.FromName,
		BaseURL:  cfg.PublicURL,
	})
	if !mailer.IsConfigured() {
		logger.Info("smtp not configured, notification emails disabled")
	}
	rt.dispatcher = notify.NewDispatcher(dataStore, mailer, clock.Real(), logger.Named("notify"), cfg.NotifyAsync)

	opts := []app.Option{app.WithInviter(mailer)}

	if cfg.Storage.Endpoint != "" {
		storage, err := attachment.New(attachment.Config{
			Endpoint:     cfg.Storage.Endpoint,
			AccessKey:    cfg.Storage.AccessKey,
			SecretKey:    cfg.Storage.SecretKey,
			Bucket:       cfg.Storage.Bucket,
			Region:       cfg.Storage.Region,
			UseSSL:       cfg.Storage.UseSSL,
			SignedURLTTL: cfg.Storage.SignedURLTTL,
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("attachment storage: %w", err)
		}
		opts = append(opts, app.WithAttachments(storage))
	}

	var primary search.Index
	if cfg.MeiliURL != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.Named("search"))
		rt.closers = append(rt.closers, meili.Close)
		primary = meili
	}
	rt.fts = search.NewPgFTS(db)
	rt.search = search.NewService(primary, rt.fts, logger.Named("search"))
	opts = append(opts, app.WithSearch(rt.search))

	rt.service = app.New(cfg.JWTSecret, dataStore, rt.dispatcher, logger, opts...)
	return rt, nil
}
