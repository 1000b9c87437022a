/*
Package main implements a terminal watcher for an instrument's funding chart.

In the default websocket mode the watcher fetches the historical range over
HTTP, joins the instrument's live channel and keeps the series reconciled
across reconnects, printing the newest bars on every change. In grpc mode it
subscribes to the BarStream service and logs every envelope it receives.

Usage:

	go run ./cmd/client -instrument=0x5FbDB2315678afecb367f032d93F642f64180aa3 -interval=5m
	go run ./cmd/client -mode=grpc -addr=localhost:50051 -instrument=0xabc,0xdef
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/LEEJINSOL1/BnbFunDapp/internal/model"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/reconciler"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/service"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Command-line flags for configuring the client connection and subscription
var (
	mode        = flag.String("mode", "ws", "Transport: ws (reconciled chart) or grpc (raw stream)")
	apiURL      = flag.String("api", "http://localhost:8080", "Backend HTTP base URL")
	wsURL       = flag.String("ws", "ws://localhost:8080/ws", "Backend websocket endpoint")
	serverAddr  = flag.String("addr", "localhost:50051", "gRPC server address in the format host:port")
	instruments = flag.String("instrument", "", "Instrument id (comma-separated list in grpc mode)")
	interval    = flag.String("interval", "5m", "Chart interval: 1m, 5m, 15m, 1h or 1d")
	rows        = flag.Int("rows", 10, "Number of newest bars to print")
)

func main() {
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(zerolog.InfoLevel).With().Timestamp().Logger()

	if err := validateConfig(); err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	var err error
	if *mode == "grpc" {
		err = streamGRPC(ctx, log)
	} else {
		err = watch(ctx, log)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("client failed")
	}
}

// watch drives the reconciler: the feed pushes live envelopes into the syncer,
// the syncer resyncs over HTTP, and every state change is rendered.
func watch(ctx context.Context, log zerolog.Logger) error {
	iv, err := model.ParseInterval(*interval)
	if err != nil {
		return err
	}

	feed := reconciler.NewFeed(reconciler.FeedConfig{Endpoint: *wsURL})
	syncer := reconciler.NewSyncer(reconciler.NewHTTPFetcher(*apiURL, nil), feed, reconciler.SyncerConfig{})

	go func() {
		if err := feed.Run(ctx, syncer); err != nil {
			log.Error().Err(err).Msg("feed stopped")
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- syncer.Run(ctx) }()

	if err := syncer.Switch(ctx, *instruments, iv); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return <-errCh
		case err := <-errCh:
			return err
		case st := <-syncer.Updates():
			render(os.Stdout, st, *rows)
		}
	}
}

// render prints the newest bars. Amounts are formatted in BNB only here.
func render(w io.Writer, st reconciler.State, n int) {
	status := "live"
	if st.Stale {
		status = "stale: " + st.LastError
	}
	fmt.Fprintf(w, "\n%s @ %s  [%s]\n", st.Instrument, st.Interval, status)

	from := 0
	if len(st.Series) > n {
		from = len(st.Series) - n
	}
	for _, b := range st.Series[from:] {
		fmt.Fprintf(w, "%s  O %s  H %s  L %s  C %s  vol %s  (%d trades)\n",
			b.BucketStart.Local().Format("01-02 15:04"),
			bnb(b.Open), bnb(b.High), bnb(b.Low), bnb(b.Close), bnb(b.Volume), b.Trades)
	}
	if agg, ok := st.Aggregates[st.Instrument]; ok {
		fmt.Fprintf(w, "raised %s  volume %s\n", bnb(agg.RaisedFunds), bnb(agg.Volume))
	}
}

func bnb(d decimal.Decimal) string {
	return d.StringFixed(4) + " BNB"
}

// streamGRPC subscribes to the BarStream service and logs every envelope.
func streamGRPC(ctx context.Context, log zerolog.Logger) error {
	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("did not connect: %w", err)
	}
	defer conn.Close()

	list := strings.Split(*instruments, ",")
	log.Info().Strs("instruments", list).Msg("subscribing")

	stream, err := service.NewBarStreamClient(conn).Subscribe(ctx, &service.SubscribeRequest{Instruments: list})
	if err != nil {
		return fmt.Errorf("could not subscribe: %w", err)
	}

	for {
		env, err := stream.Recv()
		if err == io.EOF {
			log.Info().Msg("stream has closed")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to receive envelope: %w", err)
		}

		event := log.Info().Str("event", string(env.Event)).Str("instrument", env.Instrument)
		if env.Bar != nil {
			event = event.Int64("time", env.Bar.Time).
				Str("open", env.Bar.Open.String()).
				Str("high", env.Bar.High.String()).
				Str("low", env.Bar.Low.String()).
				Str("close", env.Bar.Close.String()).
				Int("trades", env.Bar.Trades)
		}
		if env.Aggregate != nil {
			event = event.Str("raised_funds", env.Aggregate.RaisedFunds.String())
		}
		event.Msg("received envelope")
	}
}

func validateConfig() error {
	if *instruments == "" {
		return fmt.Errorf("instrument cannot be empty")
	}
	if *mode != "ws" && *mode != "grpc" {
		return fmt.Errorf("unknown mode %q", *mode)
	}
	if *mode == "grpc" && *serverAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	return nil
}
