package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var watchMetricsAddr string

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
}

// watchLine is one line of watch output.
type watchLine struct {
	Time    time.Time `json:"time"`
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	Error   string    `json:"error,omitempty"`
}

func payloadError(payload any) string {
	var err error
	switch p := payload.(type) {
	case chatsync.ConnectionEvent:
		err = p.Err
	case chatsync.MessageEvent:
		err = p.Err
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect and stream sync events as JSON lines",
	Long:  "Connect to the server, load conversations and their recent history, then print every\nstate change as a JSON line until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var (
			reg      prometheus.Registerer
			gatherer prometheus.Gatherer
		)
		if watchMetricsAddr != "" {
			r := prometheus.NewRegistry()
			reg, gatherer = r, r
		}

		engine, cfg, err := newEngine(reg)
		if err != nil {
			return err
		}
		defer engine.Close()

		enc := json.NewEncoder(cmd.OutOrStdout())
		engine.On(chatsync.EventAll, func(event string, payload any) {
			line := watchLine{Time: time.Now(), Event: event, Payload: payload, Error: payloadError(payload)}
			if err := enc.Encode(line); err != nil {
				logger.Error().Err(err).Msg("cannot write event")
			}
		})

		if err := engine.Connect(ctx, chatsync.StaticCredential(cfg.Server.Token)); err != nil {
			return fmt.Errorf("connect: %w", err)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return engine.Bootstrap(gctx)
		})
		if gatherer != nil {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: watchMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			g.Go(func() error {
				logger.Info().Str("addr", watchMetricsAddr).Msg("serving metrics")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		}
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
