// Command pgkinesisrelay runs the Postgres-to-Kinesis change-data-capture
// relay: a single entrypoint that loads configuration, wires the pipeline,
// and runs it until an external shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/go-kit/log/level"
	"github.com/okzk/sdnotify"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/gfanton/pgkinesisrelay/pkg/relay"
	"github.com/gfanton/pgkinesisrelay/pkg/sink"
	"github.com/gfanton/pgkinesisrelay/pkg/util/httpserver"
	utillog "github.com/gfanton/pgkinesisrelay/pkg/util/log"
)

const httpShutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	settings, err := relay.LoadSettingsFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	logger := utillog.New(settings.LogLevel, settings.LogFormat)
	level.Info(logger).Log("msg", "starting pgkinesisrelay", "slot", settings.ReplicationSlot, "stream", settings.KinesisStream)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(settings.AWSRegion))
	if err != nil {
		level.Error(logger).Log("msg", "failed to load AWS config", "err", err)
		return 1
	}
	kinesisSink := sink.NewKinesisSink(kinesis.NewFromConfig(awsCfg), settings.KinesisStream)

	reg := prometheus.NewRegistry()
	httpSrv := httpserver.New(settings.HTTPListenAddr, reg)
	defer func() {
		if err := sdnotify.Stopping(); err != nil {
			level.Debug(logger).Log("msg", "sdnotify stopping notification not sent", "err", err)
		}
	}()

	// readyFunc drives both the /ready HTTP endpoint and systemd readiness:
	// the supervisor calls this true only once it has won the leader
	// election, and false again as soon as that leader cycle ends, so
	// sdnotify.Ready() fires on leader acquisition rather than at process
	// start.
	readyFunc := func(ready bool) {
		httpSrv.SetReady(ready)
		if !ready {
			return
		}
		if err := sdnotify.Ready(); err != nil {
			level.Debug(logger).Log("msg", "sdnotify readiness notification not sent", "err", err)
		}
	}
	supervisor := relay.NewSupervisor(logger, settings, kinesisSink, reg, readyFunc)

	// The HTTP observability server and the supervisor's leader-cycle loop
	// run as two group members; either one exiting with a real error tears
	// down the other via ctx cancellation below.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return supervisor.Run(gctx)
	})
	g.Go(func() error {
		// ListenAndServe only returns once Shutdown is called; tie that to
		// whichever group member fails or to the outer shutdown signal.
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		level.Error(logger).Log("msg", "supervisor exited with error", "err", runErr)
		return 1
	}
	level.Info(logger).Log("msg", "clean shutdown")
	return 0
}
