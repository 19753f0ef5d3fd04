// Command arena-tail follows one chat channel and prints every message event
// as a JSON line.
//
//	arena-tail --config arena.yaml --room r1 --channel c1 --limit 20
//
// With --metrics-addr the Prometheus collectors are served on /metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	arenachat "github.com/stationfy/arena-chat-sdk-sub000"
	"github.com/stationfy/arena-chat-sdk-sub000/model"
)

type tailOptions struct {
	configPath  string
	roomID      string
	channelID   string
	siteID      string
	publisherID string
	userID      string
	limit       int
	metricsAddr string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts tailOptions

	cmd := &cobra.Command{
		Use:          "arena-tail",
		Short:        "Print the live message stream of a chat channel",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runTail(ctx, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to YAML configuration file")
	flags.StringVar(&opts.roomID, "room", "", "Chat room id")
	flags.StringVar(&opts.channelID, "channel", "", "Channel id")
	flags.StringVar(&opts.siteID, "site", "", "Site id, used to pick the transport")
	flags.StringVar(&opts.publisherID, "publisher", "", "Publisher id")
	flags.StringVar(&opts.userID, "user", "", "Viewer id; enables read markers and reaction flags")
	flags.IntVarP(&opts.limit, "limit", "n", arenachat.DefaultWindow, "Number of recent messages to load")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	_ = cmd.MarkFlagRequired("room")
	_ = cmd.MarkFlagRequired("channel")

	return cmd
}

func runTail(ctx context.Context, opts tailOptions) error {
	cfg := arenachat.DefaultConfig()
	if opts.configPath != "" {
		loaded, err := arenachat.LoadConfig(opts.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	var contextOpts []arenachat.Option
	if opts.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		registry := prometheus.NewRegistry()
		contextOpts = append(contextOpts, arenachat.WithRegisterer(registry))

		server := serveMetrics(opts.metricsAddr, registry)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	arena, err := arenachat.New(ctx, cfg, contextOpts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := arena.Close(); err != nil {
			arena.Logger().Warn("close failed", "error", err)
		}
	}()

	channelOpts := arenachat.ChannelOptions{
		ChatRoomID:  opts.roomID,
		ChannelID:   opts.channelID,
		SiteID:      opts.siteID,
		PublisherID: opts.publisherID,
	}
	if opts.userID != "" {
		channelOpts.User = &model.User{ID: opts.userID}
	}

	channel, err := arena.Channel(channelOpts)
	if err != nil {
		return err
	}

	out := newPrinter(os.Stdout)
	for _, register := range []func(arenachat.MessageCallback) (func(), error){
		channel.OnMessageReceived,
		channel.OnMessageModified,
		channel.OnMessageDeleted,
	} {
		if _, err := register(out.print); err != nil {
			return err
		}
	}

	recent, err := channel.LoadRecentMessages(ctx, opts.limit)
	if err != nil {
		return err
	}
	for _, msg := range recent {
		out.print(msg)
	}

	<-ctx.Done()
	return nil
}

func serveMetrics(addr string, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
		}
	}()
	return server
}

// printer serializes callbacks that may arrive from several goroutines.
type printer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newPrinter(f *os.File) *printer {
	return &printer{enc: json.NewEncoder(f)}
}

func (p *printer) print(msg model.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enc.Encode(msg); err != nil {
		fmt.Fprintf(os.Stderr, "encode %s: %v\n", msg.Key, err)
	}
}
