// Command streamecho serves length-prefixed frames over TCP and echoes every
// reassembled payload back to its sender.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	stream "github.com/przygienda/simple-stream"
)

// rootOptions holds the values bound to the command line flags.
type rootOptions struct {
	cfgFile string
	flags   config
}

func newRootOptions() *rootOptions {
	return &rootOptions{flags: defaultConfig()}
}

func (o *rootOptions) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "streamecho",
		Short:         "Echo server for 2-byte length-prefixed frames",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.resolve(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.cfgFile, "config", "c", "", "path to a TOML config file")
	f.StringVar(&o.flags.Addr, "addr", o.flags.Addr, "TCP listen address")
	f.StringVar(&o.flags.MetricsAddr, "metrics-addr", o.flags.MetricsAddr, "serve prometheus metrics on this address")
	f.StringVar(&o.flags.LogLevel, "log-level", o.flags.LogLevel, "log level (debug, info, warn, error)")
	f.IntVar(&o.flags.MaxPayload, "max-payload", o.flags.MaxPayload, "largest accepted payload in bytes")
	f.DurationVar(&o.flags.Heartbeat, "heartbeat", o.flags.Heartbeat, "idle timeout per connection")
	f.IntVar(&o.flags.ReadBuffer, "read-buffer", o.flags.ReadBuffer, "bytes read from a connection per call")
	f.IntVar(&o.flags.SendBuffer, "send-buffer", o.flags.SendBuffer, "queued outgoing frames per connection")
	f.DurationVar(&o.flags.ShutdownTimeout, "shutdown-timeout", o.flags.ShutdownTimeout, "grace period before connections are closed")
	return cmd
}

// resolve loads the config file, if any, then applies flags set on the
// command line.
func (o *rootOptions) resolve(cmd *cobra.Command) (config, error) {
	cfg := defaultConfig()
	if o.cfgFile != "" {
		var err error
		if cfg, err = loadConfig(o.cfgFile); err != nil {
			return config{}, err
		}
	}

	f := cmd.Flags()
	if f.Changed("addr") {
		cfg.Addr = o.flags.Addr
	}
	if f.Changed("metrics-addr") {
		cfg.MetricsAddr = o.flags.MetricsAddr
	}
	if f.Changed("log-level") {
		cfg.LogLevel = o.flags.LogLevel
	}
	if f.Changed("max-payload") {
		cfg.MaxPayload = o.flags.MaxPayload
	}
	if f.Changed("heartbeat") {
		cfg.Heartbeat = o.flags.Heartbeat
	}
	if f.Changed("read-buffer") {
		cfg.ReadBuffer = o.flags.ReadBuffer
	}
	if f.Changed("send-buffer") {
		cfg.SendBuffer = o.flags.SendBuffer
	}
	if f.Changed("shutdown-timeout") {
		cfg.ShutdownTimeout = o.flags.ShutdownTimeout
	}
	return cfg, cfg.validate()
}

func run(ctx context.Context, cfg config) error {
	log, err := newLogger(os.Stdout, cfg.LogLevel)
	if err != nil {
		return errors.Wrap(err, "parse log_level")
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", cfg.Addr)
	}

	logger := zerologLogger{l: log}
	server, err := stream.New(addr,
		stream.ServerLoggerOption(logger),
		stream.ServerShutdownTimeoutOption(cfg.ShutdownTimeout),
		stream.ServerConnOptions(cfg.connOptions()...),
	)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		stream.RegisterMetrics()
		metrics := serveMetrics(cfg.MetricsAddr, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = metrics.Shutdown(shutdownCtx)
		}()
	}

	err = server.Serve(ctx, echo())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// echo writes every message back on the connection it arrived on.
func echo() stream.Handler {
	return stream.HandlerFunc(func(conn *stream.Conn, message stream.Message) error {
		return conn.WriteTimeout(message, time.Second)
	})
}

func serveMetrics(addr string, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("metrics listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}

func main() {
	if err := newRootOptions().command().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "streamecho: %v\n", err)
		os.Exit(1)
	}
}
