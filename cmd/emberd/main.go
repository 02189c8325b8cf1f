package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"embercoin/config"
	"embercoin/observability"
	"embercoin/observability/logging"
	telemetry "embercoin/observability/otel"
	"embercoin/p2p"
	"embercoin/rpc"
	"embercoin/storage"
)

const (
	shutdownGrace      = 10 * time.Second
	seedExportInterval = 15 * time.Minute
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("EMBER_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	logger := logging.SetupWithOptions("emberd", env, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	if cfg.Telemetry.Enabled {
		endpoint := strings.TrimSpace(cfg.Telemetry.Endpoint)
		if fromEnv := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); fromEnv != "" {
			endpoint = fromEnv
		}
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: "emberd",
			Environment: env,
			Endpoint:    endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			panic(fmt.Sprintf("failed to initialise telemetry: %v", err))
		}
		defer func() {
			if shutdownTelemetry != nil {
				_ = shutdownTelemetry(context.Background())
			}
		}()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		panic(fmt.Sprintf("failed to prepare data directory: %v", err))
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "net"))
	if err != nil {
		panic(fmt.Sprintf("failed to open network database: %v", err))
	}
	defer db.Close()

	feed := p2p.NewEventFeed()

	whitelist := make([]p2p.Subnet, 0, len(cfg.P2P.Whitelist))
	for _, raw := range cfg.P2P.Whitelist {
		sn, err := p2p.ParseSubnet(raw)
		if err != nil {
			logger.Warn("Ignoring invalid whitelist entry",
				logging.MaskField("subnet", raw),
				slog.Any("error", err))
			continue
		}
		whitelist = append(whitelist, sn)
	}

	registry := p2p.NewRegistry(p2p.RegistryConfig{
		MaxPeers:   cfg.P2P.MaxPeers,
		MaxInbound: cfg.P2P.MaxInbound,
		Whitelist:  whitelist,
		Feed:       feed,
		Logger:     logger.With(slog.String("component", "peer_registry")),
	})

	bans, err := p2p.NewBanList(p2p.BanListConfig{
		DB:              db,
		DefaultDuration: time.Duration(cfg.P2P.DefaultBanSeconds) * time.Second,
		Feed:            feed,
		Disconnect: func(sn p2p.Subnet) int {
			return registry.DisconnectSubnet(sn, "banned")
		},
		Logger: logger.With(slog.String("component", "ban_list")),
	})
	if err != nil {
		panic(fmt.Sprintf("failed to load ban list: %v", err))
	}

	added, err := p2p.NewAddedNodeList(p2p.AddedNodeListConfig{
		Path:   filepath.Join(cfg.DataDir, "addednodes.db"),
		Logger: logger.With(slog.String("component", "added_nodes")),
	})
	if err != nil {
		panic(fmt.Sprintf("failed to open added-node store: %v", err))
	}
	defer added.Close()

	book, err := p2p.NewAddrBook(p2p.AddrBookConfig{
		DB:     db,
		Logger: logger.With(slog.String("component", "addr_book")),
	})
	if err != nil {
		panic(fmt.Sprintf("failed to load address book: %v", err))
	}

	syncTracker := p2p.NewSyncTracker(p2p.SyncConfig{})
	timeData := p2p.NewTimeData()

	netinfo := p2p.NewNetInfo(p2p.NetInfoConfig{
		OnlyNets:   cfg.P2P.OnlyNets,
		Proxy:      cfg.P2P.Proxy,
		OnionProxy: cfg.P2P.OnionProxy,
		I2PProxy:   cfg.P2P.I2PProxy,
	})
	for _, raw := range cfg.P2P.ExternalAddresses {
		host, portText, err := net.SplitHostPort(strings.TrimSpace(raw))
		if err != nil {
			host = strings.TrimSpace(raw)
			portText = "9601"
		}
		port, err := strconv.ParseUint(portText, 10, 16)
		if err != nil {
			logger.Warn("Ignoring external address with bad port",
				logging.MaskField("address", raw),
				slog.Any("error", err))
			continue
		}
		if err := netinfo.AddLocal(host, uint16(port), 4); err != nil {
			logger.Warn("Ignoring invalid external address",
				logging.MaskField("address", raw),
				slog.Any("error", err))
		}
	}

	if path := strings.TrimSpace(cfg.P2P.BanPolicyFile); path != "" {
		applied, err := bans.ImportPolicy(path)
		if err != nil {
			logger.Error("Failed to import ban policy", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("Applied ban policy", slog.String("path", path), slog.Int("bans", applied))
	}

	for _, endpoint := range cfg.AddNodes {
		trimmed := strings.TrimSpace(endpoint)
		if trimmed == "" {
			continue
		}
		if err := added.Add(trimmed); err != nil && !errors.Is(err, p2p.ErrNodeExists) {
			logger.Warn("Failed to register added node",
				logging.MaskField("address", trimmed),
				slog.Any("error", err))
		}
	}

	if len(cfg.P2P.DNSSeeds) > 0 {
		seedCtx, cancelSeed := context.WithTimeout(context.Background(), 5*time.Second)
		bootstrapSeeds(seedCtx, logger, book, p2p.DefaultResolver(), cfg.P2P.DNSSeeds)
		cancelSeed()
	}

	mgr, err := p2p.NewConnManager(p2p.ConnManagerConfig{
		ListenAddress: cfg.ListenAddress,
		DefaultPort:   "9601",
		DialTimeout:   time.Duration(cfg.P2P.DialTimeoutSeconds) * time.Second,
		PingInterval:  time.Duration(cfg.P2P.PingIntervalSeconds) * time.Second,
		Registry:      registry,
		Bans:          bans,
		Added:         added,
		Book:          book,
		Sync:          syncTracker,
		Limiter:       p2p.NewInboundLimiter(cfg.P2P.InboundPerIPPerMin, cfg.P2P.InboundBurst),
		Resolver:      p2p.DefaultResolver(),
		Logger:        logger.With(slog.String("component", "conn_manager")),
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialise connection manager: %v", err))
	}

	rpcServer, err := rpc.NewServer(rpc.NetBackend{
		Registry:      registry,
		Bans:          bans,
		Added:         added,
		Book:          book,
		Info:          netinfo,
		Time:          timeData,
		Sync:          syncTracker,
		Conns:         mgr,
		Feed:          feed,
		Resolver:      p2p.DefaultResolver(),
		LocalServices: p2p.ServiceNodeNetwork | p2p.ServiceNodeWitness,
		UserAgent:     p2p.UserAgent(cfg.UserAgentComments...),
		DefaultPort:   "9601",
	}, rpc.ServerConfig{
		ListenAddress: cfg.RPCAddress,
		Auth: rpc.AuthConfig{
			Token:     cfg.ResolveRPCToken(os.LookupEnv),
			JWTSecret: cfg.ResolveJWTSecret(os.LookupEnv),
		},
		RateLimit: rpc.RateLimitConfig{
			RequestsPerMinute: cfg.RPC.RateLimitPerMin,
			Burst:             cfg.RPC.RateBurst,
		},
		MaxBodyBytes:      cfg.RPC.MaxBodyBytes,
		TrustProxyHeaders: cfg.RPC.TrustProxyHeader,
		Logger:            logger.With(slog.String("component", "rpc")),
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialise RPC server: %v", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events, cancelEvents := feed.Subscribe(128)
	defer cancelEvents()
	go logNetworkEvents(ctx, logger, events)
	go exportSeeds(ctx, logger, book, filepath.Join(cfg.DataDir, "seeds.txt"))

	if err := mgr.Start(); err != nil {
		logger.Error("Failed to start connection manager", slog.Any("error", err))
		os.Exit(1)
	}

	rpcErrCh := make(chan error, 1)
	go func() {
		rpcErrCh <- rpcServer.Start()
		close(rpcErrCh)
	}()

	logger.Info("emberd initialised and running",
		slog.String("network", cfg.NetworkName),
		slog.String("p2p", cfg.ListenAddress),
		slog.String("rpc", cfg.RPCAddress))

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err, ok := <-rpcErrCh:
		if ok && err != nil {
			logger.Error("RPC server terminated", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("RPC shutdown incomplete", slog.Any("error", err))
	}
	mgr.Stop()
	logger.Info("emberd stopped")
}

// bootstrapSeeds primes the address book from the configured DNS seed
// hosts. Failures are logged and skipped so one dead seed cannot stall
// startup.
func bootstrapSeeds(ctx context.Context, logger *slog.Logger, book *p2p.AddrBook, resolver p2p.Resolver, seeds []string) {
	for _, seed := range seeds {
		host := strings.TrimSpace(seed)
		if host == "" {
			continue
		}
		addrs, err := resolver.LookupHost(ctx, host)
		if err != nil {
			logger.Warn("DNS seed resolution failed",
				logging.MaskField("seed", host),
				slog.Any("error", err))
			continue
		}
		added := 0
		for _, addr := range addrs {
			fresh, err := book.Add(net.JoinHostPort(addr, "9601"), host, "")
			if err != nil {
				continue
			}
			if fresh {
				added++
			}
		}
		logger.Info("DNS seed resolved",
			logging.MaskField("seed", host),
			slog.Int("addresses", added))
	}
}

// exportSeeds periodically dumps the tried destinations to a flat file
// so a DNS seeder can serve them without touching the live database.
func exportSeeds(ctx context.Context, logger *slog.Logger, book *p2p.AddrBook, path string) {
	ticker := time.NewTicker(seedExportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			good := book.GoodAddresses()
			if len(good) == 0 {
				continue
			}
			if err := writeSeedExport(path, good); err != nil {
				logger.Warn("Seed export failed", slog.Any("error", err))
				continue
			}
			logger.Debug("Seed export written",
				slog.String("path", path),
				slog.Int("addresses", len(good)))
		}
	}
}

func writeSeedExport(path string, addresses []string) error {
	var buf bytes.Buffer
	for _, addr := range addresses {
		buf.WriteString(addr)
		buf.WriteByte('\n')
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// logNetworkEvents mirrors the event feed into the log and the metrics
// registry so operators can follow churn without a stream subscription.
func logNetworkEvents(ctx context.Context, logger *slog.Logger, events <-chan p2p.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			observability.Events().RecordNetworkEvent(evt.Type)
			attrs := []any{slog.String("type", evt.Type)}
			if evt.Addr != "" {
				attrs = append(attrs, logging.MaskField("address", evt.Addr))
			}
			if evt.Direction != "" {
				attrs = append(attrs, slog.String("direction", evt.Direction))
			}
			if evt.Subnet != "" {
				attrs = append(attrs, logging.MaskField("subnet", evt.Subnet))
			}
			if evt.Reason != "" {
				attrs = append(attrs, slog.String("reason", evt.Reason))
			}
			logger.Info("Network event", attrs...)
		}
	}
}
