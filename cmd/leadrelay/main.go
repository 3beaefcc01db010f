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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dealerlink/leadrelay/internal/coordinator"
	dlqapp "github.com/dealerlink/leadrelay/internal/dlq_service/app"
	dlqpg "github.com/dealerlink/leadrelay/internal/dlq_service/repository/postgres"
	leadapp "github.com/dealerlink/leadrelay/internal/lead_service/app"
	leadpg "github.com/dealerlink/leadrelay/internal/lead_service/repository/postgres"
	"github.com/dealerlink/leadrelay/internal/listener_service/adapters/imapclient"
	listenerapp "github.com/dealerlink/leadrelay/internal/listener_service/app"
	"github.com/dealerlink/leadrelay/internal/pipeline"
	"github.com/dealerlink/leadrelay/internal/platform/cache"
	"github.com/dealerlink/leadrelay/internal/platform/clock"
	"github.com/dealerlink/leadrelay/internal/platform/config"
	"github.com/dealerlink/leadrelay/internal/platform/database"
	"github.com/dealerlink/leadrelay/internal/platform/logger"
	"github.com/dealerlink/leadrelay/internal/platform/messagebroker"
	apihttp "github.com/dealerlink/leadrelay/internal/public_api_service/transport/http"
	"github.com/dealerlink/leadrelay/internal/responder"
	smsapp "github.com/dealerlink/leadrelay/internal/sms_service/app"
	smscache "github.com/dealerlink/leadrelay/internal/sms_service/cache"
	smspg "github.com/dealerlink/leadrelay/internal/sms_service/repository/postgres"
	"github.com/dealerlink/leadrelay/internal/sms_service/provider"
)

const serviceName = "leadrelay"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel).With("service", serviceName)

	if err := run(cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("service exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("service stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := database.NewDBPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer dbPool.Close()

	broker, err := messagebroker.NewNATSClient(cfg.NATSURL, serviceName, log)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer broker.Close()

	redisClient, err := cache.NewRedisClient(ctx, cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer func() { _ = redisClient.Close() }()

	// Repositories.
	leadRepo := leadpg.NewPgLeadRepository(dbPool, log)
	queueRepo := leadpg.NewPgQueueRepository(dbPool, log)
	logRepo := leadpg.NewPgProcessingLogRepository(dbPool, log)
	dealershipRepo := leadpg.NewPgDealershipRepository(dbPool, log)
	deliveryRepo := smspg.NewPgDeliveryRepository(dbPool, log)
	dlqRepo := dlqpg.NewPgDeadLetterRepository(dbPool, log)

	// Services.
	dlqService := dlqapp.NewService(dlqRepo, cfg.DLQDrainInterval, cfg.DLQDrainBatch, log)

	attributor := leadapp.NewAttributor(dealershipRepo, cfg.FallbackDealershipID, log)
	processor := leadapp.NewProcessor(leadRepo, queueRepo, logRepo, dlqRepo, attributor, broker, cfg.QueueMaxAttempts, log)

	responderClient := responder.NewHTTPClient(responder.Config{
		URL:     cfg.ResponderURL,
		APIKey:  cfg.ResponderAPIKey,
		Timeout: cfg.ResponderTimeout,
	}, log)

	optOutCache := smscache.NewRedisOptOutCache(redisClient, cfg.OptOutCacheTTL, log)
	smsProvider := newProvider(cfg, log)
	sender := smsapp.NewSender(
		deliveryRepo, leadRepo, dealershipRepo, optOutCache, dlqRepo,
		smsProvider, broker, clock.New(),
		smsapp.SenderConfig{
			FromNumber:      cfg.SMSFromNumber,
			SegmentLimit:    cfg.SMSSegmentLimit,
			OptOutNotice:    cfg.SMSOptOutNotice,
			DeliveryTimeout: cfg.SMSDeliveryTimeout,
			MaxRetries:      cfg.SMSMaxRetries,
			RetryBaseDelay:  cfg.SMSRetryBaseDelay,
		}, log)
	defer sender.Shutdown()
	optOutService := smsapp.NewOptOutService(leadRepo, optOutCache, broker, log)
	dlrProcessor := smsapp.NewDLRProcessor(deliveryRepo, leadRepo, sender, log)

	// Deliveries left in sent by a previous process get their timeout
	// windows back before any new traffic arrives.
	if err := sender.ResumeTimeouts(ctx); err != nil {
		log.Warn("failed to resume delivery timeouts", "error", err)
	}

	imapCfg := imapclient.Config{
		Host:     cfg.IMAPHost,
		Port:     cfg.IMAPPort,
		Username: cfg.IMAPUsername,
		Password: cfg.IMAPPassword,
		Mailbox:  cfg.IMAPMailbox,
		UseTLS:   cfg.IMAPUseTLS,
	}
	listenerCfg := listenerapp.ListenerConfig{
		PollInterval:      cfg.MailPollInterval,
		ReconnectDelay:    cfg.MailReconnectDelay,
		ReconnectMaxTries: cfg.MailReconnectMaxTries,
	}
	listener := listenerapp.NewListener(imapclient.New(imapCfg, log), broker, dlqRepo, listenerCfg, log)

	stats := pipeline.NewStatsCollector(broker, log)
	if err := stats.Start(ctx); err != nil {
		return fmt.Errorf("failed to start stats collector: %w", err)
	}
	defer stats.Stop()

	coord := coordinator.New(broker, processor, responderClient, sender, optOutService, dlrProcessor, dlqService,
		coordinator.Config{ProviderName: cfg.SMSProviderName, OptOutNotice: cfg.SMSOptOutNotice}, log)

	g, gctx := errgroup.WithContext(ctx)

	// The DLQ handler for mailbox outages spawns a fresh listener run.
	coord.SetListenerRestart(func(ctx context.Context) error {
		fresh := listenerapp.NewListener(imapclient.New(imapCfg, log), broker, dlqRepo, listenerCfg, log)
		g.Go(func() error {
			if err := fresh.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("restarted mailbox listener exited", "error", err)
			}
			return nil
		})
		return nil
	})

	if err := coord.Start(gctx); err != nil {
		return err
	}
	defer coord.Stop()

	g.Go(func() error {
		// The listener exits on its own after exhausting reconnects; the
		// dead letter it leaves behind triggers the restart hook later.
		if err := listener.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("mailbox listener exited", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		err := dlqService.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	leadsHandler := apihttp.NewLeadsHandler(leadRepo, logRepo, processor, stats, log)
	incomingHandler := apihttp.NewIncomingHandler(broker, log)
	apiServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           apihttp.NewRouter(leadsHandler, incomingHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info("public API listening", "addr", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("public API server failed: %w", err)
		}
		return nil
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info("metrics listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = apiServer.Shutdown(shutdownCtx)
		_ = metricsServer.Shutdown(shutdownCtx)
		return nil
	})

	log.Info("lead relay started")
	return g.Wait()
}

// newProvider selects the SMS transport; anything but "twilio" gets the
// mock, which is what development environments run.
func newProvider(cfg *config.Config, log *slog.Logger) provider.Provider {
	if cfg.SMSProviderName == "twilio" {
		return provider.NewTwilioProvider(provider.TwilioConfig{
			AccountSID: cfg.SMSAccountSID,
			AuthToken:  cfg.SMSAuthToken,
			BaseURL:    cfg.SMSAPIBaseURL,
		}, log)
	}
	log.Warn("using mock SMS provider", "configured", cfg.SMSProviderName)
	return provider.NewMockProvider(log)
}
