package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/packfetch/packfetch/internal/packman"
	"github.com/packfetch/packfetch/internal/registry"
	"github.com/packfetch/packfetch/pkg/config"
	"github.com/packfetch/packfetch/pkg/logging"
	"github.com/packfetch/packfetch/pkg/webhook"
)

func newLogger(cfg *config.Config) *logging.Logger {
	format := logging.FormatText
	if cfg.Logging.Format == string(logging.FormatJSON) {
		format = logging.FormatJSON
	}
	log := logging.New(logging.ParseLevel(cfg.Logging.Level), format, os.Stderr)
	logging.SetGlobal(log)
	return log
}

// loadRegistry reads the manifest named by cfg.
func loadRegistry(cfg *config.Config) (*registry.Memory, error) {
	return registry.LoadManifest(cfg.Manifest)
}

func webhookConfig(cfg *config.Config) *webhook.Config {
	if cfg.Webhook.URL == "" {
		return nil
	}
	events := []webhook.EventType{"*"}
	if len(cfg.Webhook.Events) > 0 {
		events = events[:0]
		for _, e := range cfg.Webhook.Events {
			events = append(events, webhook.EventType(e))
		}
	}
	wc := webhook.DefaultConfig()
	wc.Hooks = []webhook.HookConfig{{
		URL:     cfg.Webhook.URL,
		Secret:  cfg.Webhook.Secret,
		Events:  events,
		Timeout: cfg.WebhookTimeout(),
		Enabled: true,
	}}
	return wc
}

// openManager loads the manifest and opens a manager on the configured
// packs directory, mounting packs left over from earlier runs.
func openManager(cfg *config.Config, log *logging.Logger, opts ...packman.Option) (*packman.Manager, error) {
	reg, err := loadRegistry(cfg)
	if err != nil {
		return nil, err
	}
	opts = append([]packman.Option{packman.WithLogger(log)}, opts...)
	m, err := packman.New(reg, packman.Config{
		RemoteURL:    cfg.RemoteBase(),
		LocalDir:     cfg.LocalDir,
		MountPoint:   cfg.MountPoint,
		StateFile:    cfg.StateFile,
		Journal:      cfg.Journal,
		Tick:         cfg.Tick(),
		StallTimeout: cfg.Stall(),
		Webhook:      webhookConfig(cfg),
	}, opts...)
	if err != nil {
		return nil, err
	}
	if mounted, err := m.MountLocal(); err != nil {
		log.Warn("restore mounted packs failed", map[string]any{"error": err.Error()})
	} else if len(mounted) > 0 {
		log.Info("mounted local packs", map[string]any{"count": len(mounted)})
	}
	return m, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
