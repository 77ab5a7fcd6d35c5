package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/mail-relay/config"
	"github.com/dhcgn/mail-relay/inbound"
	"github.com/dhcgn/mail-relay/stats"
	"github.com/dhcgn/mail-relay/web"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   config.CommandServe,
	Short: "Accept mail over SMTP and serve stored messages over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := prepare(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, logger)
	},
}

func init() {
	config.RegisterServeFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	f, err := newFilter(cfg)
	if err != nil {
		return err
	}
	st, err := newStore(cfg, logger)
	if err != nil {
		return err
	}
	notifier, closeNotifier, err := newNotifier(cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	pipeline, err := newPipeline(cfg, f, st, notifier, logger)
	if err != nil {
		return err
	}
	collector := stats.NewCollector()
	pipeline.WithEvents(collector)

	backend, err := inbound.NewBackend(pipeline, f, inbound.BackendOptions{MaxSize: cfg.MaxMessageSize}, logger.With("component", "smtp"))
	if err != nil {
		return fmt.Errorf("create smtp backend: %w", err)
	}
	smtpServer := inbound.NewServer(backend, inbound.ServerOptions{
		Addr:        net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(cfg.SMTPPort)),
		Domain:      cfg.SMTPDomain,
		MaxSize:     cfg.MaxMessageSize,
		TLSKeyPath:  cfg.TLSKeyPath,
		TLSCertPath: cfg.TLSCertPath,
	}, logger.With("component", "smtp"))

	webServer := newWebServer(st, logger)
	webAddr := ":" + strconv.Itoa(cfg.WebPort)

	logger.Info("starting mail-relay",
		"smtp", smtpServer.Addr,
		"web", webAddr,
		"storageDir", cfg.StorageDir,
		"allowedDomains", cfg.AllowedDomains,
		"baseURL", cfg.BaseURL,
		"imap", cfg.IMAPEnabled(),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := smtpServer.ListenAndServe(); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			return fmt.Errorf("smtp server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := webServer.Start(webAddr); err != nil {
			return fmt.Errorf("web server: %w", err)
		}
		return nil
	})
	if cfg.SweepInterval > 0 {
		g.Go(func() error {
			if err := st.Run(gctx, cfg.SweepInterval); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("cleanup loop: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := smtpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("smtp shutdown: %w", err))
		}
		if err := webServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("web shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	logger.Info("relay summary", collector.Snapshot().LogAttrs()...)
	return err
}

// newWebServer builds the gateway in release mode so gin writes no debug
// banner outside the structured log.
func newWebServer(st web.Retriever, logger *slog.Logger) *web.Server {
	gin.SetMode(gin.ReleaseMode)
	return web.New(st, logger.With("component", "web"))
}
