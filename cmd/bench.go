package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/webitel/im-pulse/internal/domain/bus"
	"github.com/webitel/im-pulse/internal/domain/model"
)

// BenchResult summarises one load run.
type BenchResult struct {
	Published  int
	Delivered  uint64
	Failed     uint64
	Rejected   uint64
	Elapsed    time.Duration
	Throughput float64
}

// BenchOptions tunes the publisher load run.
type BenchOptions struct {
	Messages   int
	Publishers int
	Workers    int
	QueueSize  int
	Timeout    time.Duration
}

var benchPriorities = [...]model.Priority{
	model.PriorityLow,
	model.PriorityNormal,
	model.PriorityHigh,
	model.PriorityCritical,
}

// RunBench publishes opts.Messages to topic "bench" from opts.Publishers
// goroutines with mixed priorities and waits until every one is delivered.
func RunBench(ctx context.Context, opts BenchOptions, logger *slog.Logger) (BenchResult, error) {
	b, err := bus.New(
		bus.WithWorkers(opts.Workers),
		bus.WithMaxQueueSize(opts.QueueSize),
		bus.WithOverflowPolicy(bus.OverflowBlock),
		bus.WithBlockTimeout(opts.Timeout),
		bus.WithLogger(logger),
	)
	if err != nil {
		return BenchResult{}, err
	}
	if err := b.Initialize(); err != nil {
		return BenchResult{}, err
	}
	defer func() { _ = b.Shutdown(context.Background()) }()

	var delivered atomic.Uint64
	done := make(chan struct{})
	target := uint64(opts.Messages)
	if _, err := b.Subscribe("bench", func(context.Context, *model.Message) error {
		if delivered.Add(1) == target {
			close(done)
		}
		return nil
	}); err != nil {
		return BenchResult{}, err
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	per := opts.Messages / opts.Publishers
	for p := range opts.Publishers {
		n := per
		if p == opts.Publishers-1 {
			n = opts.Messages - per*(opts.Publishers-1)
		}
		g.Go(func() error {
			for i := range n {
				payload := model.Payload{"publisher": model.Int(int64(p)), "seq": model.Int(int64(i))}
				prio := benchPriorities[(p+i)%len(benchPriorities)]
				if _, err := b.Publish(gctx, "bench", payload, bus.WithPriority(prio)); err != nil {
					return fmt.Errorf("publisher %d message %d: %w", p, i, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BenchResult{}, err
	}

	if target > 0 {
		select {
		case <-done:
		case <-time.After(opts.Timeout):
			return BenchResult{}, fmt.Errorf("bench: %d of %d delivered after %s", delivered.Load(), target, opts.Timeout)
		case <-ctx.Done():
			return BenchResult{}, ctx.Err()
		}
	}
	elapsed := time.Since(start)

	st := b.Statistics()
	res := BenchResult{
		Published: opts.Messages,
		Delivered: delivered.Load(),
		Failed:    st.MessagesFailed,
		Rejected:  st.MessagesRejected,
		Elapsed:   elapsed,
	}
	if elapsed > 0 {
		res.Throughput = float64(res.Delivered) / elapsed.Seconds()
	}
	return res, nil
}

func benchCmd() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "Publish a burst of mixed-priority messages and report delivery",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "messages", Value: 100_000},
			&cli.IntFlag{Name: "publishers", Value: 8},
			&cli.IntFlag{Name: "workers", Value: 4},
			&cli.IntFlag{Name: "queue_size", Value: 200_000},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second},
		},
		Action: func(c *cli.Context) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			opts := BenchOptions{
				Messages:   c.Int("messages"),
				Publishers: c.Int("publishers"),
				Workers:    c.Int("workers"),
				QueueSize:  c.Int("queue_size"),
				Timeout:    c.Duration("timeout"),
			}
			if opts.Publishers <= 0 || opts.Messages < 0 {
				return fmt.Errorf("bench: publishers must be positive and messages non-negative")
			}
			res, err := RunBench(c.Context, opts, logger)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(c.App.Writer,
				"published=%d delivered=%d failed=%d rejected=%d elapsed=%s throughput=%.0f msg/s\n",
				res.Published, res.Delivered, res.Failed, res.Rejected, res.Elapsed.Round(time.Millisecond), res.Throughput)
			return err
		},
	}
}
