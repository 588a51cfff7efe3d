// Package pipeline assembles a campaign Runner from configuration.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/redis/go-redis/v9"

	"github.com/Mutter0815/campaign-dispatch/internal/dispatch"
	"github.com/Mutter0815/campaign-dispatch/internal/orchestrator"
	"github.com/Mutter0815/campaign-dispatch/internal/recipients"
	"github.com/Mutter0815/campaign-dispatch/internal/sink"
	"github.com/Mutter0815/campaign-dispatch/internal/store"
	"github.com/Mutter0815/campaign-dispatch/internal/templates"
	"github.com/Mutter0815/campaign-dispatch/internal/validation"
	"github.com/Mutter0815/campaign-dispatch/pkg/awsx"
	"github.com/Mutter0815/campaign-dispatch/pkg/config"
	"github.com/Mutter0815/campaign-dispatch/pkg/db"
	"github.com/Mutter0815/campaign-dispatch/pkg/logx"
)

// Pipeline owns the Runner and the connections behind it.
type Pipeline struct {
	Runner *orchestrator.Runner

	closers []func() error
}

func (p *Pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i]())
	}
	return errors.Join(errs...)
}

func Build(ctx context.Context, cfg config.PipelineConfig) (*Pipeline, error) {
	p := &Pipeline{}
	fail := func(err error) (*Pipeline, error) {
		_ = p.Close()
		return nil, err
	}

	ac, err := awsx.Load(ctx, awsx.Config{
		Region:    cfg.AWSRegion,
		Endpoint:  cfg.AWSEndpoint,
		AccessKey: cfg.AWSAccessKey,
		SecretKey: cfg.AWSSecretKey,
	})
	if err != nil {
		return fail(err)
	}

	caches, err := p.caches(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	validator := validation.New(
		validation.NewSESSuppression(sesv2.NewFromConfig(ac)),
		net.DefaultResolver,
		caches,
		validation.Config{
			SuppressionConcurrency: cfg.SuppressionConcurrency,
			MXConcurrency:          cfg.MXConcurrency,
		},
	)

	provider, err := newProvider(ac, cfg)
	if err != nil {
		return fail(err)
	}
	engine := dispatch.New(provider, templates.New(os.DirFS(cfg.TemplateDir)), dispatch.Config{
		BatchSize:      cfg.BatchSize,
		Concurrency:    cfg.SendConcurrency,
		MaxRetries:     cfg.MaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay,
		BatchDelay:     cfg.BatchDelay,
		SendTimeout:    cfg.SendTimeout,
		UnsubscribeURL: cfg.UnsubscribeURL,
		RequestURL:     cfg.RequestURL,
	})

	writer, err := p.writer(ctx, cfg)
	if err != nil {
		return fail(err)
	}

	reader := recipients.NewReader(recipients.NewS3Store(ac, cfg.AWSEndpoint != ""))
	p.Runner = orchestrator.New(reader, func() orchestrator.AddressValidator { return validator.ForRun() }, engine, writer, orchestrator.Config{
		ValidationConcurrency: cfg.ValidationConcurrency,
	})
	logx.L().Infow("pipeline_ready",
		"provider", cfg.Provider,
		"template_dir", cfg.TemplateDir,
		"shared_cache", cfg.RedisURL != "",
		"invalid_db", cfg.DBDSN != "",
	)
	return p, nil
}

func newProvider(ac aws.Config, cfg config.PipelineConfig) (dispatch.Provider, error) {
	switch cfg.Provider {
	case config.ProviderSES, "":
		return dispatch.NewSESProvider(ac, cfg.SESConfigurationSet), nil
	case config.ProviderResend:
		if cfg.ResendAPIKey == "" {
			return nil, errors.New("pipeline: resend provider needs an API key")
		}
		return dispatch.NewResendProvider(cfg.ResendAPIKey), nil
	}
	return nil, fmt.Errorf("pipeline: unknown email provider %q", cfg.Provider)
}

// caches shares validation answers across runs through Redis when configured;
// otherwise each run starts cold.
func (p *Pipeline) caches(ctx context.Context, cfg config.PipelineConfig) (*validation.Caches, error) {
	if cfg.RedisURL == "" {
		return validation.NewCaches(nil, nil), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("pipeline: redis url: %w", err)
	}
	client := redis.NewClient(opts)
	p.closers = append(p.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pipeline: redis ping: %w", err)
	}
	return validation.NewCaches(
		validation.NewRedisCache(client, "campaign:mx:", cfg.CacheTTL),
		validation.NewRedisCache(client, "campaign:suppression:", cfg.CacheTTL),
	), nil
}

func (p *Pipeline) writer(ctx context.Context, cfg config.PipelineConfig) (sink.Writer, error) {
	w := sink.MultiWriter{sink.NewFileWriter(cfg.InvalidLogPath)}
	if cfg.DBDSN == "" {
		return w, nil
	}
	sqlDB, err := db.Open(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("pipeline: db open: %w", err)
	}
	p.closers = append(p.closers, sqlDB.Close)
	return withStore(ctx, w, sqlDB)
}

func withStore(ctx context.Context, w sink.MultiWriter, sqlDB *sql.DB) (sink.MultiWriter, error) {
	st := store.New(sqlDB)
	if err := st.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("pipeline: invalid_recipients schema: %w", err)
	}
	return append(w, st), nil
}
