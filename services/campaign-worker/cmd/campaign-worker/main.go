package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mutter0815/campaign-dispatch/internal/pipeline"
	"github.com/Mutter0815/campaign-dispatch/pkg/config"
	"github.com/Mutter0815/campaign-dispatch/pkg/logx"
	"github.com/Mutter0815/campaign-dispatch/pkg/metrics"
	"github.com/Mutter0815/campaign-dispatch/pkg/rmq"
	"github.com/Mutter0815/campaign-dispatch/services/campaign-worker/worker"
)

func main() {
	logx.Init()
	defer logx.Sync()

	config.MustLoadWorker()
	cfg := config.Worker

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.Build(ctx, cfg.Pipeline)
	if err != nil {
		logx.L().Fatalw("pipeline_init_error", "error", err)
	}
	defer p.Close()

	cons, err := rmq.NewConsumer(cfg.RMQURL, cfg.Queue)
	if err != nil {
		logx.L().Fatalw("rmq_consumer_error", "error", err)
	}
	defer cons.Close()

	pub, err := rmq.NewPublisher(cfg.RMQURL, cfg.Queue)
	if err != nil {
		logx.L().Fatalw("rmq_publisher_error", "error", err)
	}
	defer pub.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	msrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: mux}
	go func() {
		if err := msrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.L().Errorw("metrics_server_error", "error", err)
		}
	}()

	w := worker.New(cons, pub, p.Runner, cfg.MaxRetries)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logx.L().Errorw("worker_error", "error", err)
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = msrv.Shutdown(sctx)
	logx.L().Infow("campaign-worker stopped")
}
