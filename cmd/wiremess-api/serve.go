package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/wiremess/internal/auth"
	"github.com/MarcoPoloResearchLab/wiremess/internal/blob"
	"github.com/MarcoPoloResearchLab/wiremess/internal/chat"
	"github.com/MarcoPoloResearchLab/wiremess/internal/config"
	"github.com/MarcoPoloResearchLab/wiremess/internal/database"
	"github.com/MarcoPoloResearchLab/wiremess/internal/logging"
	"github.com/MarcoPoloResearchLab/wiremess/internal/presence"
	"github.com/MarcoPoloResearchLab/wiremess/internal/realtime"
	"github.com/MarcoPoloResearchLab/wiremess/internal/server"
	"github.com/MarcoPoloResearchLab/wiremess/internal/users"
)

const shutdownTimeout = 10 * time.Second

// attachmentStore is what the server needs from a blob driver.
type attachmentStore interface {
	chat.BlobStore
	server.AttachmentReader
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	blobs, err := newAttachmentStore(ctx, appConfig.Storage, logger)
	if err != nil {
		return err
	}

	chatService, err := chat.NewService(chat.ServiceConfig{
		Store:              chat.NewGormStore(db),
		Blobs:              blobs,
		Clock:              time.Now,
		Logger:             logger,
		MaxAttachmentBytes: appConfig.UploadMaxBytes,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	tokenIssuer, err := newTokenIssuer(appConfig.Auth)
	if err != nil {
		return err
	}
	verifier, err := auth.NewHandshakeVerifier(tokenIssuer, appConfig.Auth.CookieName)
	if err != nil {
		return err
	}

	registry, err := presence.NewRegistry(chatService, logger)
	if err != nil {
		return err
	}
	controller, err := realtime.NewController(realtime.ControllerConfig{
		Verifier:   verifier,
		Registry:   registry,
		Messages:   chatService,
		Dispatcher: realtime.NewDispatcher(registry, logger),
		Activity:   userService,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:       verifier,
		Chat:           chatService,
		Controller:     controller,
		Attachments:    blobs,
		Users:          userService,
		HealthCheck:    sqlDB.PingContext,
		AllowedOrigins: appConfig.CORSAllowedOrigins,
		UploadMaxBytes: appConfig.UploadMaxBytes,
		WebSocket: server.WebSocketSettings{
			SendBuffer:      appConfig.WebSocket.SendBuffer,
			MaxMessageBytes: appConfig.WebSocket.MaxMessageBytes,
			PingInterval:    appConfig.WebSocket.PingInterval,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("storage_driver", appConfig.Storage.Driver))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newAttachmentStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (attachmentStore, error) {
	switch cfg.Driver {
	case config.StorageDriverLocal:
		store, err := blob.NewLocalStore(cfg.LocalPath, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StorageDriverS3:
		store, err := blob.NewS3Store(ctx, blob.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := store.Health(ctx); err != nil {
			logger.Warn("s3 attachment storage unavailable", zap.String("bucket", cfg.S3.Bucket), zap.Error(err))
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func newTokenIssuer(cfg config.AuthConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(cfg.SigningSecret),
		Issuer:        cfg.Issuer,
		Audience:      cfg.Audience,
		TokenTTL:      cfg.TokenTTL,
	})
}
