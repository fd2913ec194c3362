// Package client implements the per-host upload loop: gather a local usage
// snapshot, POST it to the ingestion server, sleep a jittered interval,
// repeat. Failures are logged and retried on the next cycle.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vnmchuo/usage-relay/internal/report"
	"github.com/vnmchuo/usage-relay/internal/schedule"
)

// Source produces the host's current usage report.
type Source interface {
	Gather(ctx context.Context) (*report.Report, error)
}

// ExecSource runs the local accounting command and extracts the report from
// whatever JSON envelope it prints on stdout.
type ExecSource struct {
	Command string
	Timeout time.Duration
}

func (s *ExecSource) Gather(ctx context.Context) (*report.Report, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", s.Command)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("client: snapshot command failed: %w", err)
	}
	return report.Extract(stdout.Bytes())
}

// Uploader gathers snapshots and ships them to the ingestion server.
type Uploader struct {
	serverURL  string
	clientID   string
	token      string
	source     Source
	interval   time.Duration
	jitter     time.Duration
	httpClient *http.Client
	now        func() time.Time
}

func NewUploader(serverURL, clientID, token string, source Source, interval, jitter, requestTimeout time.Duration) *Uploader {
	return &Uploader{
		serverURL:  serverURL,
		clientID:   clientID,
		token:      token,
		source:     source,
		interval:   interval,
		jitter:     jitter,
		httpClient: &http.Client{Timeout: requestTimeout},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run uploads once immediately, then on every jittered interval until ctx is
// cancelled. Jitter spreads a fleet's uploads so loosely-synchronized hosts
// do not all report at once.
func (u *Uploader) Run(ctx context.Context) error {
	for {
		if err := u.UploadOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(err).Warn("upload failed, will retry next cycle")
		}
		wait, err := schedule.WaitWithJitter(u.interval, u.jitter)
		if err != nil {
			return err
		}
		log.Infof("next upload in %s", wait.Round(time.Second))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// UploadOnce gathers one snapshot and POSTs it.
func (u *Uploader) UploadOnce(ctx context.Context) error {
	rep, err := u.source.Gather(ctx)
	if err != nil {
		return err
	}

	host, _ := os.Hostname()
	body, err := json.Marshal(map[string]interface{}{
		"clientId":   u.clientID,
		"capturedAt": u.now().Format(time.RFC3339),
		"sourceHost": host,
		"payload":    rep,
	})
	if err != nil {
		return fmt.Errorf("client: encode upload: %w", err)
	}

	url := fmt.Sprintf("%s/v1/captures", u.serverURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if u.token != "" {
		httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", u.token))
	}

	resp, err := u.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("client: upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("client: server rejected upload (status %d): %s", resp.StatusCode, string(respBody))
	}
	log.Infof("uploaded snapshot as %s", u.clientID)
	return nil
}
