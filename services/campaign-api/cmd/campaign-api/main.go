package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mutter0815/campaign-dispatch/internal/campaign"
	"github.com/Mutter0815/campaign-dispatch/internal/pipeline"
	"github.com/Mutter0815/campaign-dispatch/internal/queue"
	"github.com/Mutter0815/campaign-dispatch/pkg/config"
	"github.com/Mutter0815/campaign-dispatch/pkg/logx"
	"github.com/Mutter0815/campaign-dispatch/pkg/rmq"
	"github.com/Mutter0815/campaign-dispatch/services/campaign-api/server"
)

func main() {
	logx.Init()
	defer logx.Sync()

	config.MustLoadAPI()
	cfg := config.API

	// The memory backend runs campaigns in this process; rmq hands them to
	// campaign-worker.
	var (
		q        queue.Queue
		mem      *queue.Memory
		consumed = make(chan struct{})
	)
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	switch cfg.QueueBackend {
	case config.QueueRMQ:
		close(consumed)
		pub, err := rmq.NewPublisher(cfg.RMQURL, cfg.Queue)
		if err != nil {
			logx.L().Fatalw("rmq_init_error", "error", err)
		}
		defer func() {
			if err := pub.Close(); err != nil {
				logx.L().Warnw("rmq_publisher_close_error", "error", err)
			} else {
				logx.L().Infow("rmq_publisher_closed")
			}
		}()
		q = queue.NewRMQ(pub)

	default:
		p, err := pipeline.Build(runCtx, cfg.Pipeline)
		if err != nil {
			logx.L().Fatalw("pipeline_init_error", "error", err)
		}
		defer func() {
			if err := p.Close(); err != nil {
				logx.L().Warnw("pipeline_close_error", "error", err)
			}
		}()

		mem = queue.NewMemory(cfg.QueueCapacity)
		q = mem
		go func() {
			defer close(consumed)
			if err := queue.NewConsumer(p.Runner).Run(runCtx, mem.Jobs()); err != nil && !errors.Is(err, context.Canceled) {
				logx.L().Errorw("consumer_error", "error", err)
			}
		}()
	}

	h := server.NewHandlers(q, campaign.Source{
		Bucket:      cfg.Pipeline.Bucket,
		Key:         cfg.Pipeline.Key,
		CampaignTag: cfg.Pipeline.CampaignTag,
	})
	srv := server.NewHTTPServer(":"+cfg.Port, h)

	go func() {
		logx.L().Infow("api_listen_start", "addr", ":"+cfg.Port, "queue_backend", cfg.QueueBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.L().Fatalw("http_server_error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logx.L().Infow("signal_received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logx.L().Errorw("server_shutdown_error", "error", err)
	} else {
		logx.L().Infow("server_shutdown_success")
	}

	// Queued runs get until the shutdown deadline to finish; after that the
	// run in progress is cancelled and still flushes its invalid recipients.
	if mem != nil {
		mem.Close()
		logx.L().Infow("queue_draining", "pending", mem.Len())
	}
	select {
	case <-consumed:
		logx.L().Infow("queue_drained")
	case <-ctx.Done():
		logx.L().Warnw("queue_drain_timeout")
		cancelRuns()
		<-consumed
	}

	logx.L().Infow("campaign-api stopped gracefully")
}
