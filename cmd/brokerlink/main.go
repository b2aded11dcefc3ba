package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"brokerlink/internal/broker"
	"brokerlink/internal/config"
	"brokerlink/internal/domain"
	"brokerlink/internal/gateway"
	"brokerlink/internal/gateway/alpacagw"
	"brokerlink/internal/gateway/sim"
	"brokerlink/internal/httpapi"
	"brokerlink/internal/live"
	"brokerlink/internal/marketdata"
	"brokerlink/internal/risk"
	"brokerlink/internal/store"
	"brokerlink/internal/supervisor"
	"brokerlink/internal/util"
)

// closer is a gateway that owns background goroutines.
type closer interface {
	gateway.Gateway
	Close()
}

func main() {
	cfg, err := config.Load(config.Path("config/brokerlink.yaml"))
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("brokerlink stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("brokerlink stopped")
}

func newGateway(cfg *config.Config, logger *slog.Logger) closer {
	if cfg.Gateway.Kind == config.GatewayAlpaca {
		return alpacagw.New(alpacagw.Config{
			APIKey:            cfg.Alpaca.APIKey,
			APISecret:         cfg.Alpaca.APISecret,
			BaseURL:           cfg.Alpaca.BaseURL,
			DataURL:           cfg.Alpaca.DataURL,
			Feed:              cfg.Alpaca.Feed,
			PollInterval:      cfg.Alpaca.PollInterval,
			RequestsPerMinute: cfg.Alpaca.RateLimitPerMin,
		}, logger)
	}
	opts := []sim.Option{
		sim.WithCash(cfg.Gateway.SimCash),
		sim.WithAutoFill(cfg.Gateway.SimAutoFill),
		sim.WithCommission(cfg.Gateway.SimCommission),
	}
	if cfg.Gateway.Account != "" {
		opts = append(opts, sim.WithAccount(cfg.Gateway.Account))
	}
	return sim.New(logger, opts...)
}

func routing(cfg *config.Config) *gateway.Routing {
	r := gateway.DefaultRouting()
	for sym, ex := range cfg.Gateway.Exchanges {
		r.SetExchange(sym, ex)
	}
	for sym, st := range cfg.Gateway.SecTypes {
		r.SetSecType(sym, st)
	}
	return r
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var ledger store.LedgerStore
	err := util.Retry(ctx, 5, time.Second, func() error {
		var err error
		ledger, err = store.OpenLedger(cfg.Ledger.Driver, cfg.Ledger.SQLitePath, cfg.Ledger.PostgresDSN)
		if err != nil {
			logger.Warn("opening ledger", "driver", cfg.Ledger.Driver, "error", err)
		}
		return err
	})
	if err != nil {
		return err
	}
	defer ledger.Close()
	archive := store.NewParquetStore(cfg.Storage.DataDir)

	gw := newGateway(cfg, logger)
	defer gw.Close()

	feed := live.NewFeed()
	opts := []broker.Option{broker.WithFeed(feed)}
	if cfg.Ledger.PaperMode {
		opts = append(opts, broker.WithPaperLedger(ledger, cfg.Ledger.AlgoID))
	}
	if cfg.Risk.Enabled() {
		opts = append(opts, broker.WithRisk(risk.NewManager(cfg.Risk.MaxPositionPct, cfg.Risk.MaxDailyLossPct)))
	}
	adapter := broker.New(gw, broker.Config{
		Endpoint: supervisor.Endpoint{Host: cfg.Gateway.Host, Port: cfg.Gateway.Port, ClientID: cfg.Gateway.ClientID},
		Universe: domain.NewStaticUniverse(cfg.Universe.Symbols...),
		Currency: cfg.Gateway.Currency,
		Routing:  routing(cfg),
	}, logger, opts...)

	logger.Info("brokerlink starting",
		"gateway", adapter.Name(),
		"session", feed.Session(),
		"symbols", strings.Join(cfg.Universe.Symbols, ","),
		"paper", cfg.Ledger.PaperMode,
	)

	if err := adapter.Connect(ctx, cfg.Gateway.ConnectTimeout); err != nil {
		return err
	}
	for _, sym := range cfg.Universe.Symbols {
		if err := adapter.Subscribe(sym); err != nil {
			logger.Warn("subscribe failed", "symbol", sym, "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if v := adapter.PaperView(); v != nil {
		g.Go(func() error { return v.Run(gctx, cfg.Ledger.RefreshInterval) })
	}

	if cfg.Events.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Events.GRPCAddr)
		if err != nil {
			return err
		}
		gs := grpc.NewServer()
		live.NewServer(feed, logger).RegisterGRPC(gs)
		g.Go(func() error {
			logger.Info("order event stream listening", "addr", lis.Addr().String())
			return gs.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			gs.Stop()
			return nil
		})
	}

	if cfg.Events.NATSURL != "" {
		pub, err := live.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.NATSSubject, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		g.Go(func() error { return pub.Run(gctx, feed) })
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: httpapi.NewStatusServer(adapter, logger, httpapi.WithArchive(archive)).Handler(),
	}
	g.Go(func() error {
		logger.Info("status API listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if cfg.Storage.ArchiveEvery > 0 {
		g.Go(func() error {
			return every(gctx, cfg.Storage.ArchiveEvery, func() {
				archiveMarketData(gctx, adapter, archive, logger)
			})
		})
	}

	if cfg.Ledger.SnapshotEvery > 0 && cfg.Ledger.AlgoID != "" && !cfg.Ledger.PaperMode {
		g.Go(func() error {
			return every(gctx, cfg.Ledger.SnapshotEvery, func() {
				if err := adapter.Snapshot(gctx, ledger, cfg.Ledger.AlgoID); err != nil {
					logger.Error("ledger snapshot failed", "error", err)
				}
			})
		})
	}

	err = g.Wait()

	// Flush what the session collected.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer flushCancel()
	archiveMarketData(flushCtx, adapter, archive, logger)
	return err
}

func archiveMarketData(ctx context.Context, adapter *broker.Adapter, archive *store.ParquetStore, logger *slog.Logger) {
	n, err := adapter.ArchiveTicks(ctx, archive)
	if err != nil {
		logger.Error("tick archive failed", "error", err)
	}
	bars, err := adapter.ArchiveBars(ctx, archive, 60, time.Minute)
	if err != nil {
		logger.Error("bar archive failed", "error", err)
	}
	logger.Debug("archived market data", "ticks", n, "bars", bars, "frequency", marketdata.FrequencyName(time.Minute))
}

// every runs fn at each tick of interval until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}
