// tap-tunnel bridges a TAP interface to a peer over a pull-only,
// name-addressed carrier. Each endpoint runs a consumer that keeps Interests
// outstanding toward the peer's prefix and a producer that answers the peer's
// Interests under the local prefix.
//
// Usage:
//
//	tap-tunnel run --config tap-tunnel.yaml
//	tap-tunnel version
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tap-tunnel/tap-tunnel/common/face"
	"github.com/tap-tunnel/tap-tunnel/common/tap"
	"github.com/tap-tunnel/tap-tunnel/common/turbotunnel"
)

var version = "dev"

// runFlags override the configuration file.
type runFlags struct {
	configPath   string
	localPrefix  string
	remotePrefix string
	tapName      string
	faceType     string
	remote       string
	listen       string
	metricsAddr  string
	logLevel     string
}

func (f *runFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	fs.StringVar(&f.localPrefix, "local-prefix", "", "name prefix served by this node")
	fs.StringVar(&f.remotePrefix, "remote-prefix", "", "name prefix of the peer")
	fs.StringVar(&f.tapName, "tap", "", "TAP interface name")
	fs.StringVar(&f.faceType, "face", "", "carrier: http, ws, kcp or nats")
	fs.StringVar(&f.remote, "remote", "", "carrier address of the peer")
	fs.StringVar(&f.listen, "listen", "", "carrier address to accept the peer's Interests on")
	fs.StringVar(&f.metricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	fs.StringVar(&f.logLevel, "log-level", "", "trace, debug, info, warn or error")
}

// apply copies every flag given on the command line into cfg.
func (f *runFlags) apply(fs *pflag.FlagSet, cfg *Config) {
	set := func(name string, dst *string, v string) {
		if fs.Changed(name) {
			*dst = v
		}
	}
	set("local-prefix", &cfg.LocalPrefix, f.localPrefix)
	set("remote-prefix", &cfg.RemotePrefix, f.remotePrefix)
	set("tap", &cfg.Tap, f.tapName)
	set("face", &cfg.Face.Type, f.faceType)
	set("remote", &cfg.Face.Remote, f.remote)
	set("listen", &cfg.Face.Listen, f.listen)
	set("metrics", &cfg.MetricsAddr, f.metricsAddr)
	set("log-level", &cfg.Log.Level, f.logLevel)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tap-tunnel",
		Short:         "Tunnel Ethernet frames over a pull-only named-data carrier",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var flags runFlags
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a tunnel endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(flags.configPath)
			if err != nil {
				return err
			}
			flags.apply(cmd.Flags(), cfg)
			if err := cfg.Validate(); err != nil {
				return errors.Wrap(err, "invalid configuration")
			}
			log, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
	}
	flags.register(runCmd.Flags())

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tap-tunnel %s\n", version)
		},
	}

	root.AddCommand(runCmd, versionCmd)
	return root
}

func newLogger(cfg LogConfig) (*logrus.Logger, error) {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	log.SetLevel(level)
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}

// run wires the queue, the TAP device, the carrier, the producer and the
// consumer together and blocks until ctx is done or a component fails.
func run(ctx context.Context, cfg *Config, logger *logrus.Logger) error {
	log := logrus.NewEntry(logger)
	consumerOpts, err := cfg.consumerOptions()
	if err != nil {
		return err
	}
	producerOpts, err := cfg.producerOptions()
	if err != nil {
		return err
	}

	queue := turbotunnel.NewPayloadQueue(cfg.Queue.SmallThreshold)
	defer queue.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := newMetrics(reg)
	registerQueue(reg, queue.Size, queue.Dropped)

	dev, err := tap.Open(cfg.Tap)
	if err != nil {
		return err
	}
	defer dev.Close()
	log.Infof("attached to TAP interface %s", dev.Name())
	sink := &tap.Sink{W: dev, Log: log.WithField("component", "tap")}

	car, err := newCarrier(cfg, log)
	if err != nil {
		return err
	}
	defer car.Close()

	producer, err := NewProducer(producerOpts, queue, sink, log, m)
	if err != nil {
		return err
	}
	rt, err := car.dial(consumerOpts.RemotePrefix)
	if err != nil {
		return err
	}
	f := face.New(rt, log.WithField("component", "face"))
	defer f.Close()
	consumer, err := NewConsumer(consumerOpts, queue, f, sink, log, m)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 3)
	go func() {
		errCh <- errors.Wrap(tap.Pump(ctx, dev, queue, log.WithField("component", "tap")), "tap")
	}()
	go func() {
		errCh <- errors.Wrap(car.serve(ctx, producerOpts.LocalPrefix, producer), "producer face")
	}()
	if cfg.MetricsAddr != "" {
		go func() {
			errCh <- errors.Wrap(serveMetrics(ctx, cfg.MetricsAddr, reg, log), "metrics")
		}()
	}

	consumer.Start()
	defer consumer.Close()
	log.Infof("tunnel %s <-> %s up over %s", producerOpts.LocalPrefix, consumerOpts.RemotePrefix, cfg.Face.Type)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("component stopped unexpectedly")
		}
		return err
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *logrus.Entry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Infof("metrics on http://%s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
