// Command contest runs a leadership-rotation soak test and a latency round
// against an etcd-backed coordination namespace.
//
// Usage: contest <contestants> <nodes>
//
// The first argument is the number of contestants (and latency workers), the
// second the number of nodes for the latency round. Endpoints come from
// CONTEST_ETCD_ENDPOINTS, defaulting to localhost:2379.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/luno/jettison"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"
	"github.com/spf13/cobra"

	"github.com/obek/contest"
	"github.com/obek/contest/coord"
	"github.com/obek/contest/latency"
)

const parentPath = "/contest"

func main() {
	cmd := &cobra.Command{
		Use:   "contest <contestants> <nodes>",
		Short: "Soak-test leader election and measure coordination latency",
		Args:  cobra.ExactArgs(2),
		RunE:  run,

		SilenceUsage: true,
	}
	if err := cmd.Execute(); err != nil {
		log.Error(context.Background(), err)
		os.Exit(1)
	}
}

func endpoints() []string {
	if v, ok := os.LookupEnv("CONTEST_ETCD_ENDPOINTS"); ok {
		return strings.Split(v, ",")
	}
	return []string{"localhost:2379"}
}

func run(cmd *cobra.Command, args []string) error {
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return errors.New("invalid contestant count", j.KV("arg", args[0]))
	}
	nodes, err := strconv.Atoi(args[1])
	if err != nil || nodes <= 0 {
		return errors.New("invalid node count", j.KV("arg", args[1]))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := coord.Config{Endpoints: endpoints()}
	connect := func(ctx context.Context) (coord.Client, error) {
		return coord.Connect(ctx, cfg)
	}

	group, err := contest.NewContestants(connect, parentPath, n,
		contest.WithLogger(jlog{}),
	)
	if err != nil {
		return err
	}
	group.Start()
	defer group.Stop()
	log.Info(ctx, "contest started", j.MKV{
		"contestants": n,
		"parent":      parentPath,
	})

	if err := latencyRound(ctx, connect, n, nodes); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info(context.Background(), "shutting down")
	return nil
}

func latencyRound(ctx context.Context, connect contest.Connector, k, n int) error {
	r := latency.Runner{
		Connect: latency.Connector(connect),
		Root:    "/latency",
	}

	cli, err := connect(ctx)
	if err != nil {
		return err
	}
	if _, err := cli.Create(ctx, r.Root, nil, coord.Persistent); err != nil && !errors.Is(err, coord.ErrAlreadyExists) {
		return err
	}
	if err := cli.Close(); err != nil {
		// NoReturnErr: Teardown failures are non-fatal.
		log.Error(ctx, errors.Wrap(err, "close bootstrap session"))
	}

	paths, ws, err := r.Write(ctx, k, n)
	if err != nil {
		return errors.Wrap(err, "latency write")
	}
	log.Info(ctx, "write latency", j.KV("stats", ws.String()))

	rs, err := r.Read(ctx, paths, k)
	if err != nil {
		return errors.Wrap(err, "latency read")
	}
	log.Info(ctx, "read latency", j.KV("stats", rs.String()))

	ds, err := r.Delete(ctx, paths, k)
	if err != nil {
		return errors.Wrap(err, "latency delete")
	}
	log.Info(ctx, "delete latency", j.KV("stats", ds.String()))

	return nil
}

// jlog adapts jettison's global logger to the contest Logger interface.
type jlog struct{}

func (jlog) Debug(ctx context.Context, s string, ol ...jettison.Option) {
	ol = append(ol, log.WithLevel(log.LevelDebug))
	log.Info(ctx, s, ol...)
}

func (jlog) Info(ctx context.Context, s string, ol ...jettison.Option) {
	log.Info(ctx, s, ol...)
}

func (jlog) Error(ctx context.Context, err error, ol ...jettison.Option) {
	log.Error(ctx, err, ol...)
}
