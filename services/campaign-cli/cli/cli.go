// Package cli implements campaign-cli, which runs one campaign synchronously
// from the terminal.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Mutter0815/campaign-dispatch/internal/campaign"
	"github.com/Mutter0815/campaign-dispatch/internal/pipeline"
	"github.com/Mutter0815/campaign-dispatch/internal/queue"
	"github.com/Mutter0815/campaign-dispatch/pkg/config"
	"github.com/Mutter0815/campaign-dispatch/pkg/logx"
)

// builder returns a runner, the default source from the environment and a
// cleanup func.
type builder func(ctx context.Context) (queue.CampaignRunner, campaign.Source, func() error, error)

func fromEnv(ctx context.Context) (queue.CampaignRunner, campaign.Source, func() error, error) {
	cfg, err := config.LoadPipeline()
	if err != nil {
		return nil, campaign.Source{}, nil, err
	}
	p, err := pipeline.Build(ctx, cfg)
	if err != nil {
		return nil, campaign.Source{}, nil, err
	}
	return p.Runner, campaign.Source{Bucket: cfg.Bucket, Key: cfg.Key, CampaignTag: cfg.CampaignTag}, p.Close, nil
}

func NewRootCmd() *cobra.Command { return newRootCmd(fromEnv) }

func newRootCmd(build builder) *cobra.Command {
	root := &cobra.Command{
		Use:           "campaign-cli",
		Short:         "Run marketing email campaigns from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(build))
	return root
}

type runFlags struct {
	template, from, subject string
	bucket, key, campaign   string
}

func newRunCmd(build builder) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load, validate and send one campaign, then print the result",
		Example: `  campaign-cli run --template christmas.html --from news@example.com --subject "Season's greetings"
  campaign-cli run --template promo.html --from news@example.com --subject Sale --bucket lists --key vip.csv --campaign vip`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validator.New().Var(f.from, "required,email"); err != nil {
				return fmt.Errorf("--from: %q is not an email address", f.from)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			defer logx.Sync()

			runner, source, closeFn, err := build(ctx)
			if err != nil {
				return fmt.Errorf("build pipeline: %w", err)
			}
			defer func() {
				if err := closeFn(); err != nil {
					logx.L().Warnw("pipeline_close_error", "error", err)
				}
			}()

			if f.bucket != "" {
				source.Bucket = f.bucket
			}
			if f.key != "" {
				source.Key = f.key
			}
			if f.campaign != "" {
				source.CampaignTag = f.campaign
			}
			if source.Bucket == "" || source.Key == "" {
				return errors.New("no recipient source: pass --bucket and --key or set CAMPAIGN_BUCKET and CAMPAIGN_KEY")
			}

			res, runErr := runner.RunCampaign(ctx, uuid.NewString(), source, campaign.Target{
				TemplateName: f.template,
				FromAddress:  f.from,
				Subject:      f.subject,
			})

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&f.template, "template", "", "template file name under TEMPLATE_DIR")
	cmd.Flags().StringVar(&f.from, "from", "", "sender address")
	cmd.Flags().StringVar(&f.subject, "subject", "", "message subject")
	cmd.Flags().StringVar(&f.bucket, "bucket", "", "bucket holding the recipient CSV (default CAMPAIGN_BUCKET)")
	cmd.Flags().StringVar(&f.key, "key", "", "object key of the recipient CSV (default CAMPAIGN_KEY)")
	cmd.Flags().StringVar(&f.campaign, "campaign", "", "campaign tag (default CAMPAIGN_TAG)")
	for _, name := range []string{"template", "from", "subject"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}
