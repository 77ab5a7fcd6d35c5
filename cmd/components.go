package cmd

import (
	"fmt"
	"log/slog"

	"github.com/dhcgn/mail-relay/capacity"
	"github.com/dhcgn/mail-relay/config"
	"github.com/dhcgn/mail-relay/extract"
	"github.com/dhcgn/mail-relay/filter"
	"github.com/dhcgn/mail-relay/notify"
	"github.com/dhcgn/mail-relay/relay"
	"github.com/dhcgn/mail-relay/store"
)

func newFilter(cfg config.Config) (*filter.Filter, error) {
	f, err := filter.New(filter.Options{
		AllowedDomains:  cfg.AllowedDomains,
		BlockedKeywords: cfg.BlockedKeywords,
		MaxSize:         cfg.MaxMessageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create filter: %w", err)
	}
	return f, nil
}

func newStore(cfg config.Config, logger *slog.Logger) (*store.Store, error) {
	guard, err := capacity.NewDiskGuard(cfg.StorageDir, cfg.MinFreeSpace, logger.With("component", "capacity"))
	if err != nil {
		return nil, err
	}
	st, err := store.New(store.Options{
		Dir:     cfg.StorageDir,
		MaxAge:  cfg.MaxEmailAge,
		MaxSize: cfg.MaxStorageSize,
	}, guard, logger.With("component", "store"))
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}
	return st, nil
}

// newNotifier builds the configured notifiers. The log notifier is always
// present so a relayed message leaves a trace even without a webhook.
func newNotifier(cfg config.Config, logger *slog.Logger) (notify.Notifier, func(), error) {
	notifiers := notify.Multi{notify.NewLog(logger.With("component", "notify"))}
	closer := func() {}

	if cfg.DiscordWebhookURL != "" {
		d, err := notify.NewDiscord(notify.DiscordOptions{WebhookURL: cfg.DiscordWebhookURL}, logger.With("component", "discord"))
		if err != nil {
			return nil, closer, err
		}
		notifiers = append(notifiers, d)
	} else {
		logger.Warn("no discord webhook configured, notifications are only logged")
	}

	if cfg.IMAPEnabled() {
		n, err := notify.NewIMAP(notify.IMAPOptions{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			TargetFolder:       cfg.IMAPFolder,
			From:               cfg.IMAPUser,
		}, logger.With("component", "imap"))
		if err != nil {
			return nil, closer, err
		}
		notifiers = append(notifiers, n)
		closer = func() {
			if err := n.Close(); err != nil {
				logger.Debug("imap notifier close", "err", err)
			}
		}
	}

	return notifiers, closer, nil
}

func newPipeline(cfg config.Config, f *filter.Filter, st relay.Store, n notify.Notifier, logger *slog.Logger) (*relay.Pipeline, error) {
	p, err := relay.New(f, extract.Default(), st, n, relay.Options{BaseURL: cfg.BaseURL}, logger.With("component", "relay"))
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	return p, nil
}
