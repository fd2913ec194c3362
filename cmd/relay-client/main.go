package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vnmchuo/usage-relay/config"
	"github.com/vnmchuo/usage-relay/internal/client"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	source := &client.ExecSource{Command: cfg.SnapshotCommand}
	uploader := client.NewUploader(
		cfg.ServerURL, cfg.ClientID, cfg.AuthToken,
		source, cfg.UploadInterval, cfg.UploadJitter, cfg.RequestTimeout,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Infof("upload client starting (clientId=%s, interval=%s, jitter=%s)",
		cfg.ClientID, cfg.UploadInterval, cfg.UploadJitter)

	if err := uploader.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("uploader stopped: %v", err)
	}
	log.Info("upload client stopped")
	os.Exit(0)
}
