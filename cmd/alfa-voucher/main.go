// Package main запускает HTTP-сервер оплаты и выдачи абонементов.
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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/alfa-voucher/internal/bank"
	"github.com/mmeshcher/alfa-voucher/internal/config"
	"github.com/mmeshcher/alfa-voucher/internal/handler"
	"github.com/mmeshcher/alfa-voucher/internal/middleware"
	"github.com/mmeshcher/alfa-voucher/internal/notify"
	"github.com/mmeshcher/alfa-voucher/internal/repository"
	"github.com/mmeshcher/alfa-voucher/internal/service"
	"github.com/mmeshcher/alfa-voucher/internal/token"
	"github.com/mmeshcher/alfa-voucher/internal/voucher"
)

type store interface {
	service.Repository
	voucher.Store
}

func openStore(cfg *config.Config) (store, error) {
	if cfg.DatabaseURI != "" {
		repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			return nil, err
		}
		return repo, nil
	}
	repo, err := repository.NewFileRepository(cfg.OrdersDir, cfg.VouchersDir)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}
	if err := cfg.Validate(); err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := openStore(cfg)
	if err != nil {
		sugar.Fatalw("storage initialization error", "error", err.Error())
	}

	artifacts, err := voucher.NewFileStorage(cfg.VouchersDir)
	if err != nil {
		sugar.Fatalw("voucher storage initialization error", "error", err.Error())
	}

	bankClient := bank.NewClient(bank.Config{
		BaseURL:       cfg.Bank.BaseURL,
		Token:         cfg.Bank.Token,
		User:          cfg.Bank.User,
		Password:      cfg.Bank.Password,
		SkipSSLVerify: cfg.Bank.SkipSSLVerify,
	})
	if cfg.Bank.Token == "" && (cfg.Bank.User == "" || cfg.Bank.Password == "") {
		sugar.Errorw("bank credentials are not configured, payments will fail", "baseURL", cfg.Bank.BaseURL)
	}
	if cfg.Bank.SkipSSLVerify {
		sugar.Warnw("bank TLS certificate verification is disabled")
	}

	signer := token.NewSigner(cfg.Voucher.Secret)
	renderer := voucher.NewPDFRenderer(voucher.RendererOptions{
		TemplatePath: cfg.Voucher.TemplatePath,
		LogoPath:     cfg.Voucher.LogoPath,
		FontPath:     cfg.Voucher.FontPath,
	}, logger)

	var issuerOpts []voucher.IssuerOption
	mailer := notify.NewMailer(notify.SMTPConfig{
		Host:            cfg.SMTP.Host,
		Port:            cfg.SMTP.Port,
		User:            cfg.SMTP.User,
		Password:        cfg.SMTP.Password,
		From:            cfg.SMTP.From,
		FromName:        cfg.SMTP.FromName,
		Encryption:      cfg.SMTP.Encryption,
		AllowSelfSigned: cfg.SMTP.AllowSelfSigned,
	})
	if mailer.Configured() {
		issuerOpts = append(issuerOpts, voucher.WithMailer(mailer))
	} else {
		sugar.Warnw("smtp is not configured, vouchers will not be emailed")
	}
	webhook := notify.NewWebhook(notify.WebhookConfig{
		URL:       cfg.Notify.URL,
		ClubID:    cfg.Notify.ClubID,
		UserToken: cfg.Notify.UserToken,
		APIKey:    cfg.Notify.APIKey,
		BasicUser: cfg.Notify.BasicUser,
		BasicPass: cfg.Notify.BasicPass,
	})
	if webhook.Configured() {
		issuerOpts = append(issuerOpts, voucher.WithNotifier(webhook))
	}

	issuer := voucher.NewIssuer(repo, artifacts, renderer, signer, cfg.PublicBase, logger, issuerOpts...)

	svc := service.NewService(repo, bankClient, issuer, service.Options{
		PublicBase:     cfg.PublicBase,
		DefaultBackURL: cfg.DefaultBackURL,
		HonorBackURL:   cfg.HonorBackURL,
		Currency:       cfg.Bank.Currency,
		Language:       cfg.Bank.Language,
	}, logger)
	defer svc.Close()

	opsAuth := middleware.NewBearerAuth(cfg.OpsToken)
	if !opsAuth.Enabled() {
		sugar.Warnw("OPS_TOKEN is not set, status endpoint is open")
	}

	h := handler.NewHandler(svc, voucher.NewGateway(repo, artifacts, signer), logger, opsAuth, cfg.DefaultBackURL)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting alfa-voucher server", "addr", cfg.RunAddress, "publicBase", cfg.PublicBase)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
