// Package proxy publishes discovered port mappings to the host's reverse
// proxy: render the config, install it over the live config, reload.
package proxy

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/MJJoyce/memex-explorer/internal/config"
	"github.com/MJJoyce/memex-explorer/internal/domain"
	"github.com/MJJoyce/memex-explorer/internal/manifest"
	apperrors "github.com/MJJoyce/memex-explorer/internal/pkg/errors"
	"github.com/MJJoyce/memex-explorer/internal/pkg/logger"
	"github.com/MJJoyce/memex-explorer/internal/render"
	"github.com/MJJoyce/memex-explorer/internal/runtime"
)

// Publisher writes the proxy configuration and reloads the proxy.
type Publisher struct {
	runner runtime.Runner
	cfg    config.ProxyConfig
}

// NewPublisher creates a publisher.
func NewPublisher(runner runtime.Runner, cfg config.ProxyConfig) *Publisher {
	return &Publisher{runner: runner, cfg: cfg}
}

// Publish renders the proxy config from the mappings, copies it over the
// live config (privileged, through the runner) and reloads the proxy.
//
// The three steps are sequential and not transactional: a failed reload
// leaves the new config installed but not serving. The returned error says
// which step failed; the next successful run repairs the state, since every
// run rewrites the whole config.
func (p *Publisher) Publish(ctx context.Context, mappings []domain.PortMapping) error {
	doc := manifest.BuildProxyContext(mappings, p.cfg)
	if err := render.Fill(p.cfg.TemplatePath, p.cfg.WorkingPath, doc); err != nil {
		return err
	}

	out, err := p.runner.Run(ctx, "cp", p.cfg.WorkingPath, p.cfg.LivePath)
	if err != nil {
		return apperrors.Runtime(err, apperrors.StagePublish,
			fmt.Sprintf("install proxy config: %s", strings.TrimSpace(string(out))))
	}

	if len(p.cfg.ReloadCommand) == 0 {
		return apperrors.New(apperrors.CodeConfigurationInvalid, apperrors.StagePublish,
			"proxy reload command is not configured")
	}
	out, err = p.runner.Run(ctx, p.cfg.ReloadCommand[0], p.cfg.ReloadCommand[1:]...)
	if err != nil {
		return apperrors.Runtime(err, apperrors.StagePublish,
			fmt.Sprintf("reload proxy: %s", strings.TrimSpace(string(out))))
	}

	logger.Info("Published proxy configuration",
		zap.Int("mappings", len(mappings)),
		zap.String("live_path", p.cfg.LivePath),
	)
	return nil
}
