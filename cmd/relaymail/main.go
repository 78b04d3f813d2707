package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/agentworkforce/relaymail/internal/httpapi"
	"github.com/agentworkforce/relaymail/internal/mailsync"
	"github.com/agentworkforce/relaymail/internal/mirror"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, log.Default()); err != nil {
		log.Fatalf("relaymail failed: %v", err)
	}
}

type app struct {
	session   *mailsync.Session
	handler   *httpapi.Server
	publisher *mirror.Publisher
	backend   mirror.Backend
}

func buildApp(cfg config, logger mailsync.Logger) (*app, error) {
	client := mailsync.NewHTTPClient(cfg.APIURL, cfg.Token, &http.Client{Timeout: cfg.RequestTimeout})
	decoder, err := mailsync.NewDecoder(mailsync.DecoderOptions{
		AutomatedDomains: cfg.AutomatedDomains,
		SentLabels:       cfg.SentLabels,
	})
	if err != nil {
		return nil, err
	}
	loader, err := mailsync.NewSnapshotLoader(client, decoder, mailsync.SnapshotLoaderOptions{
		Timeout: cfg.SnapshotTimeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	transport, err := mailsync.NewTransport(mailsync.TransportOptions{
		URL:         cfg.RealtimeURL,
		Token:       cfg.Token,
		BaseDelay:   cfg.ReconnectBase,
		MaxDelay:    cfg.ReconnectMax,
		JitterRatio: cfg.ReconnectJitter,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	session, err := mailsync.NewSession(mailsync.SessionOptions{
		Transport: transport,
		Loader:    loader,
		Decoder:   decoder,
		Channels:  cfg.Channels,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	a := &app{session: session}
	a.handler = httpapi.NewServer(httpapi.Dependencies{
		Session: session,
		Tasks:   client,
		Logs:    loader,
	}, httpapi.ServerConfig{
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		RequestTimeout:  cfg.RequestTimeout,
		Logger:          logger,
	})

	backend, err := mirror.BuildFromDSN(cfg.MirrorDSN)
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	if backend != nil {
		publisher, err := mirror.NewPublisher(session.Store(), backend, mirror.PublisherOptions{
			SessionID: session.ID(),
			Debounce:  cfg.MirrorDebounce,
			Logger:    logger,
		})
		if err != nil {
			_ = backend.Close()
			_ = session.Close()
			return nil, err
		}
		a.backend = backend
		a.publisher = publisher
	}
	return a, nil
}

func run(ctx context.Context, cfg config, logger *log.Logger) error {
	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if a.backend != nil {
			_ = a.backend.Close()
		}
	}()

	if err := a.session.Start(ctx); err != nil {
		return err
	}
	defer a.session.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if a.publisher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.publisher.Run(ctx); err != nil {
				logger.Printf("mirror: final save failed: %v", err)
			}
		}()
	}
	if cfg.ChannelFile != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mailsync.WatchChannelFile(ctx, cfg.ChannelFile, a.session.Subscriptions(), logger); err != nil {
				logger.Printf("channel file watcher stopped: %v", err)
			}
		}()
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("relaymail session %s listening on %s", a.session.ID(), cfg.Addr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	a.handler.CloseStreams()
	_ = server.Shutdown(shutdownCtx)
	cancel()
	wg.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
