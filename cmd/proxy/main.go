package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/gonkalabs/trustlayer-proxy/internal/api"
	"github.com/gonkalabs/trustlayer-proxy/internal/config"
	"github.com/gonkalabs/trustlayer-proxy/internal/extract"
	"github.com/gonkalabs/trustlayer-proxy/internal/payload"
	"github.com/gonkalabs/trustlayer-proxy/internal/policy"
	"github.com/gonkalabs/trustlayer-proxy/internal/sanitize"
	"github.com/gonkalabs/trustlayer-proxy/internal/sanitize/llmclassifier"
	"github.com/gonkalabs/trustlayer-proxy/internal/sanitize/ner"
	"github.com/gonkalabs/trustlayer-proxy/internal/sanitize/pattern"
	"github.com/gonkalabs/trustlayer-proxy/internal/signer"
	"github.com/gonkalabs/trustlayer-proxy/internal/telemetry"
	"github.com/gonkalabs/trustlayer-proxy/internal/upstream"
	"github.com/gonkalabs/trustlayer-proxy/internal/vault"
)

const reapInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}
	setupLogging(cfg)
	banner("trustlayer")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	var rdb redis.UniversalClient
	if cfg.UsesRedis() {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.RedisAddrs,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
	}

	// Vault
	var store vault.Store
	switch cfg.VaultBackend {
	case "redis":
		store = vault.NewRedisStore(rdb)
	default:
		mem := vault.NewMemoryStore()
		g.Go(func() error {
			mem.Run(gctx, reapInterval)
			return nil
		})
		store = mem
	}
	v := vault.New(store, cfg.SessionTTL)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := v.Ping(pingCtx); err != nil {
		// Requests fail closed until the store comes back.
		slog.Warn("vault: store unreachable at startup", "backend", cfg.VaultBackend, "err", err)
	}
	cancel()

	// Policy
	pol, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		slog.Error("policy error", "err", err)
		os.Exit(1)
	}
	gate, err := policy.NewGate(pol.Gate)
	if err != nil {
		slog.Error("policy error", "err", err)
		os.Exit(1)
	}

	// Detection and tokenization
	detector, err := newDetector(cfg)
	if err != nil {
		slog.Error("detector error", "err", err)
		os.Exit(1)
	}
	extractor := extract.Chain{extract.Local{}}
	if cfg.ExtractorURL != "" {
		extractor = append(extractor, extract.NewHTTP(cfg.ExtractorURL, cfg.DetectorTimeout))
	}
	var fields payload.Fields
	if len(pol.TextFields) > 0 {
		fields = payload.ParseFields(pol.TextFields)
	}
	san := sanitize.New(detector, v, sanitize.Options{
		Fields:        fields,
		Extractor:     extractor,
		DetectTimeout: cfg.DetectorTimeout,
	})

	// Telemetry
	sinks, redisSink, err := newSinks(cfg, rdb)
	if err != nil {
		slog.Error("telemetry error", "err", err)
		os.Exit(1)
	}
	var sig telemetry.Signer
	if cfg.SigningKey != "" {
		s, err := signer.New(cfg.SigningKey)
		if err != nil {
			slog.Error("signer error", "err", err)
			os.Exit(1)
		}
		sig = s
		slog.Info("telemetry: signing events", "address", s.Address())
	}
	hasher, err := telemetry.NewHasher(cfg.SessionHashKey)
	if err != nil {
		slog.Error("telemetry error", "err", err)
		os.Exit(1)
	}
	emitter := telemetry.NewEmitter(cfg.TelemetryBuffer, sig, sinks...)
	g.Go(func() error {
		emitter.Run(gctx)
		return nil
	})

	deps := api.Deps{
		Gate:      gate,
		Sanitizer: san,
		Vault:     v,
		Upstream:  upstream.New(cfg.UpstreamScheme, cfg.UpstreamTimeout, cfg.RoutingHeader, cfg.SessionHeader),
		Emitter:   emitter,
		Hasher:    hasher,
	}
	if redisSink != nil {
		deps.Metrics = redisSink
	}
	handler := api.New(deps, api.Options{
		RoutingHeader:     cfg.RoutingHeader,
		SessionHeader:     cfg.SessionHeader,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		PassthroughBinary: cfg.PassthroughBinary,
		AdminToken:        cfg.AdminToken,
	})

	mux := http.NewServeMux()
	handler.Register(mux)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Policy reload
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				reloadPolicy(cfg.PolicyFile, gate)
			}
		}
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		return nil
	})

	g.Go(func() error {
		hosts, rules := gate.Stats()
		slog.Info("starting proxy server",
			"addr", cfg.ListenAddr,
			"vault", cfg.VaultBackend,
			"detectors", cfg.Detectors,
			"allowed_hosts", hosts,
			"rules", rules,
			"sinks", cfg.TelemetrySinks,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	err = g.Wait()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if cerr := emitter.Close(closeCtx); cerr != nil {
		slog.Warn("telemetry close error", "err", cerr)
	}
	if err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Cfg) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func banner(name string) {
	figure.NewFigure(name, "cybermedium", true).Print()
	fmt.Println()
}

func newDetector(cfg *config.Cfg) (sanitize.Detector, error) {
	var detectors sanitize.MultiDetector
	for _, name := range cfg.Detectors {
		switch name {
		case "pattern":
			detectors = append(detectors, pattern.New())
			slog.Info("sanitize: pattern layer enabled")
		case "presidio":
			c, err := ner.New(cfg.PresidioURLs,
				ner.WithLanguage(cfg.PresidioLanguage),
				ner.WithEntities(cfg.PresidioEntities),
				ner.WithScoreThreshold(cfg.PresidioScore),
			)
			if err != nil {
				return nil, err
			}
			detectors = append(detectors, c)
			slog.Info("sanitize: NER layer enabled", "urls", cfg.PresidioURLs)
		case "llm":
			detectors = append(detectors, llmclassifier.New(
				cfg.SanitizeLLMURL,
				cfg.SanitizeLLMModel,
				cfg.SanitizeLLMThreshold,
			))
			slog.Info("sanitize: LLM layer enabled",
				"url", cfg.SanitizeLLMURL,
				"model", cfg.SanitizeLLMModel,
			)
		}
	}
	return detectors, nil
}

// newSinks builds the configured telemetry sinks. The redis sink is also
// returned on its own since it backs the metrics endpoint.
func newSinks(cfg *config.Cfg, rdb redis.UniversalClient) ([]telemetry.Sink, *telemetry.RedisSink, error) {
	var (
		sinks     []telemetry.Sink
		redisSink *telemetry.RedisSink
	)
	for _, name := range cfg.TelemetrySinks {
		switch name {
		case "log":
			sinks = append(sinks, telemetry.LogSink{})
		case "redis":
			redisSink = telemetry.NewRedisSink(rdb, "", 0)
			sinks = append(sinks, redisSink)
		case "kafka":
			sinks = append(sinks, telemetry.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic))
		case "amqp":
			s, err := telemetry.DialAMQP(cfg.AMQPURL, cfg.AMQPQueue)
			if err != nil {
				return nil, nil, err
			}
			sinks = append(sinks, s)
		default:
			return nil, nil, fmt.Errorf("unknown telemetry sink %q", name)
		}
	}
	return sinks, redisSink, nil
}

func reloadPolicy(path string, gate *policy.Gate) {
	if path == "" {
		slog.Info("policy: no policy file, keeping built-in defaults")
		return
	}
	pol, err := config.LoadPolicy(path)
	if err == nil {
		err = gate.Reload(pol.Gate)
	}
	if err != nil {
		slog.Error("policy: reload failed, keeping previous rules", "err", err)
		return
	}
	hosts, rules := gate.Stats()
	slog.Info("policy: reloaded", "allowed_hosts", hosts, "rules", rules)
}
