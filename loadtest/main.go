// Command loadtest drives pairs of sync clients against a running server:
// each side signs up, opens the other, sends a burst and waits to see the
// peer's burst arrive over the push channel.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"chatsync/internal/app"
	"chatsync/internal/config"
	"chatsync/internal/logging"
	"chatsync/internal/model"
	"chatsync/internal/notify"
)

type stats struct {
	sent     atomic.Int64
	received atomic.Int64
	failed   atomic.Int64
}

func main() {
	apiURL := flag.String("api", "http://localhost:8080/api", "REST base URL")
	wsURL := flag.String("ws", "ws://localhost:8080/ws", "push URL")
	pairs := flag.Int("pairs", 50, "number of user pairs")
	msgs := flag.Int("msgs", 20, "messages per user")
	parallel := flag.Int("parallel", 32, "pairs running at once")
	wait := flag.Duration("wait", 30*time.Second, "how long to wait for deliveries")
	flag.Parse()

	logger := logging.New(os.Stderr, config.Log{Level: "info", Format: "text"})
	cfg := config.DefaultClient()
	cfg.APIURL, cfg.WSURL = *apiURL, *wsURL

	logger.Info("starting load test", "users", *pairs*2, "messages_per_user", *msgs)
	run := time.Now().UnixNano()
	var st stats
	start := time.Now()

	var g errgroup.Group
	g.SetLimit(*parallel)
	for i := 0; i < *pairs; i++ {
		i := i
		g.Go(func() error {
			if err := runPair(context.Background(), cfg, logger, fmt.Sprintf("%d_%d", run, i), *msgs, *wait, &st); err != nil {
				st.failed.Add(1)
				logger.Warn("pair failed", "pair", i, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	logger.Info("load test complete",
		"elapsed", time.Since(start).Round(time.Millisecond),
		"sent", st.sent.Load(),
		"received", st.received.Load(),
		"failed_pairs", st.failed.Load(),
	)
	if st.failed.Load() > 0 {
		os.Exit(1)
	}
}

func runPair(ctx context.Context, cfg config.Client, logger *slog.Logger, tag string, n int, wait time.Duration, st *stats) error {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := app.New(cfg, notify.Discard, quiet)
	if err != nil {
		return err
	}
	b, err := app.New(cfg, notify.Discard, quiet)
	if err != nil {
		return err
	}
	defer a.Session.DisconnectChannel()
	defer b.Session.DisconnectChannel()

	idA, err := join(ctx, a, "a_"+tag)
	if err != nil {
		return err
	}
	idB, err := join(ctx, b, "b_"+tag)
	if err != nil {
		return err
	}

	if _, err := a.Open(ctx, model.Contact{ID: idB.ID, FullName: idB.FullName}); err != nil {
		return err
	}
	if _, err := b.Open(ctx, model.Contact{ID: idA.ID, FullName: idA.FullName}); err != nil {
		return err
	}

	var g errgroup.Group
	for _, c := range []*app.Client{a, b} {
		c := c
		g.Go(func() error {
			for i := 0; i < n; i++ {
				if _, err := c.Conversations.Send(ctx, model.Content{Text: fmt.Sprintf("load %s #%d", tag, i)}); err != nil {
					return err
				}
				st.sent.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Each side holds its own n sends plus the peer's n once delivery is done.
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if len(a.Conversations.Snapshot().Messages) >= 2*n && len(b.Conversations.Snapshot().Messages) >= 2*n {
			st.received.Add(int64(2 * n))
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	logger.Debug("delivery incomplete", "pair", tag)
	return fmt.Errorf("pair %s: deliveries incomplete after %s", tag, wait)
}

func join(ctx context.Context, c *app.Client, name string) (model.Identity, error) {
	return c.Session.Signup(ctx, model.SignupRequest{
		FullName: name,
		Email:    name + "@load.test",
		Password: "password123",
	})
}
