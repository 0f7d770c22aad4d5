// Command hipercontracer-probe runs the probing engine of spec.md: a
// scheduler that drives one Traceroute, Ping or Burstping engine per
// configured source address against a shared set of destinations,
// writing results to the configured sink until a shutdown signal
// arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/HerbHall/hpctprobe/internal/config"
	"github.com/HerbHall/hpctprobe/internal/probeengine"
	"github.com/HerbHall/hpctprobe/internal/rawsocket"
	"github.com/HerbHall/hpctprobe/internal/scheduler"
	"github.com/HerbHall/hpctprobe/internal/sink"
	"github.com/HerbHall/hpctprobe/internal/sink/sqlitesink"
	"github.com/HerbHall/hpctprobe/internal/version"
	hpct "github.com/HerbHall/hpctprobe/pkg/hipercontracer"
)

// repeatableFlag collects every occurrence of a flag into a slice,
// for -source/-destination which may each be passed more than once.
type repeatableFlag []string

func (r *repeatableFlag) String() string     { return strings.Join(*r, ",") }
func (r *repeatableFlag) Set(v string) error { *r = append(*r, v); return nil }

func main() {
	os.Exit(run())
}

func run() int {
	var sources, destinations repeatableFlag
	versionFlag := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "optional YAML config file")
	pingFlag := flag.Bool("ping", false, "run in ping mode")
	tracerouteFlag := flag.Bool("traceroute", false, "run in traceroute mode")
	burstpingFlag := flag.Bool("burstping", false, "run in burstping mode")
	tracerouteDuration := flag.Duration("tracerouteduration", 0, "traceroute per-round wait duration")
	tracerouteInitialMaxTTL := flag.Uint("tracerouteinitialmaxttl", 0, "traceroute initial max TTL")
	tracerouteFinalMaxTTL := flag.Uint("traceroutefinalmaxttl", 0, "traceroute final max TTL")
	tracerouteIncrementMaxTTL := flag.Uint("tracerouteincrementmaxttl", 0, "traceroute TTL window increment")
	pingInterval := flag.Duration("pinginterval", 0, "ping send interval")
	pingExpiration := flag.Duration("pingexpiration", 0, "ping outstanding-request expiration")
	pingTTL := flag.Uint("pingttl", 0, "ping/burstping TTL")
	burst := flag.Uint("burst", 0, "burstping probes per destination per interval")
	sinkFlag := flag.String("sink", "", "result sink: noop | log | sqlite:PATH")
	sendRate := flag.Float64("sendrate", 0, "max probes/second per source (0 = unlimited)")
	sendBurst := flag.Int("sendburst", 0, "send-rate token bucket burst size")
	flag.Var(&sources, "source", "source address (repeatable)")
	flag.Var(&destinations, "destination", "destination address (repeatable)")
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.Info())
		return 0
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "hipercontracer-probe: failed to initialize logger:", err)
		return 1
	}
	defer logger.Sync()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config file", zap.Error(err))
		return 1
	}

	applyExplicitFlags(cfg, &sources, &destinations, pingFlag, tracerouteFlag, burstpingFlag,
		tracerouteDuration, tracerouteInitialMaxTTL, tracerouteFinalMaxTTL, tracerouteIncrementMaxTTL,
		pingInterval, pingExpiration, pingTTL, burst, sinkFlag, sendRate, sendBurst)

	if adjusted := cfg.Clamp(); len(adjusted) > 0 {
		logger.Warn("clamped out-of-range config values", zap.Strings("fields", adjusted))
	}

	if len(cfg.Sources) == 0 || len(cfg.Destinations) == 0 {
		logger.Error("at least one -source and one -destination are required")
		return 1
	}

	resultSink, closeSink, err := buildSink(cfg.Sink, logger)
	if err != nil {
		logger.Error("failed to build sink", zap.Error(err))
		return 1
	}
	defer closeSink()

	destinations2, err := parseDestinations(cfg.Destinations)
	if err != nil {
		logger.Error("invalid destination", zap.Error(err))
		return 1
	}

	sched := scheduler.New(logger)
	for _, sourceStr := range cfg.Sources {
		source, err := netip.ParseAddr(sourceStr)
		if err != nil {
			logger.Error("invalid source address", zap.String("source", sourceStr), zap.Error(err))
			return 1
		}
		family := rawsocket.FamilyV4
		if source.Is6() && !source.Is4In6() {
			family = rawsocket.FamilyV6
		}

		sock, err := rawsocket.Open(family, source)
		if err != nil {
			logger.Error("failed to open raw socket", zap.Stringer("source", source), zap.Error(err))
			return 1
		}

		engine := probeengine.New(source, family, sock, resultSink, logger.Named(source.String()), 48)
		engine.SetRateLimit(cfg.SendRate, cfg.SendBurst)
		var runnable scheduler.Runner
		switch {
		case cfg.Traceroute:
			tr := probeengine.NewTraceroute(engine, cfg.TracerouteDuration, cfg.TracerouteInitialMaxTTL, cfg.TracerouteFinalMaxTTL, cfg.TracerouteIncrementMaxTTL)
			tr.SetDestinations(onlyMatchingFamily(destinations2, family))
			runnable = tr
		case cfg.Burstping:
			ping := probeengine.NewPing(engine, cfg.PingInterval, cfg.PingExpiration, cfg.PingTTL, 0)
			ping.SetDestinations(onlyMatchingFamily(destinations2, family))
			runnable = probeengine.NewBurstping(ping, cfg.Burst)
		default:
			ping := probeengine.NewPing(engine, cfg.PingInterval, cfg.PingExpiration, cfg.PingTTL, 0)
			ping.SetDestinations(onlyMatchingFamily(destinations2, family))
			runnable = ping
		}

		sched.AddTask(source, sock, runnable)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.StartAll(ctx)

	logger.Info("hipercontracer-probe ready", zap.Int("sources", len(cfg.Sources)), zap.Int("destinations", len(cfg.Destinations)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	sched.StopAll()
	logger.Info("hipercontracer-probe stopped")
	return 0
}

func loadConfig(path string) (*config.ProbeConfig, error) {
	cfg := config.DefaultProbeConfig()
	if path == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := config.New(v).Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config %q: %w", path, err)
	}
	return cfg, nil
}

func applyExplicitFlags(cfg *config.ProbeConfig, sources, destinations *repeatableFlag,
	pingFlag, tracerouteFlag, burstpingFlag *bool,
	tracerouteDuration *time.Duration, tracerouteInitialMaxTTL, tracerouteFinalMaxTTL, tracerouteIncrementMaxTTL *uint,
	pingInterval, pingExpiration *time.Duration, pingTTL, burst *uint, sinkFlag *string,
	sendRate *float64, sendBurst *int) {

	if len(*sources) > 0 {
		cfg.Sources = *sources
	}
	if len(*destinations) > 0 {
		cfg.Destinations = *destinations
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "ping":
			cfg.Ping, cfg.Traceroute, cfg.Burstping = *pingFlag, false, false
		case "traceroute":
			cfg.Traceroute, cfg.Ping, cfg.Burstping = *tracerouteFlag, false, false
		case "burstping":
			cfg.Burstping, cfg.Ping, cfg.Traceroute = *burstpingFlag, false, false
		case "tracerouteduration":
			cfg.TracerouteDuration = *tracerouteDuration
		case "tracerouteinitialmaxttl":
			cfg.TracerouteInitialMaxTTL = uint8(*tracerouteInitialMaxTTL)
		case "traceroutefinalmaxttl":
			cfg.TracerouteFinalMaxTTL = uint8(*tracerouteFinalMaxTTL)
		case "tracerouteincrementmaxttl":
			cfg.TracerouteIncrementMaxTTL = uint8(*tracerouteIncrementMaxTTL)
		case "pinginterval":
			cfg.PingInterval = *pingInterval
		case "pingexpiration":
			cfg.PingExpiration = *pingExpiration
		case "pingttl":
			cfg.PingTTL = uint8(*pingTTL)
		case "burst":
			cfg.Burst = uint32(*burst)
		case "sink":
			cfg.Sink = *sinkFlag
		case "sendrate":
			cfg.SendRate = *sendRate
		case "sendburst":
			cfg.SendBurst = *sendBurst
		}
	})
}

func buildSink(spec string, logger *zap.Logger) (sink.Sink, func(), error) {
	noop := func() {}
	switch {
	case spec == "" || spec == "noop":
		return sink.Noop{}, noop, nil
	case spec == "log":
		return sink.NewLogging(logger), noop, nil
	case strings.HasPrefix(spec, "sqlite:"):
		path := strings.TrimPrefix(spec, "sqlite:")
		s, err := sqlitesink.Open(path)
		if err != nil {
			return nil, noop, err
		}
		return s, func() { s.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("unknown sink %q", spec)
	}
}

func parseDestinations(raw []string) ([]hpct.DestinationInfo, error) {
	out := make([]hpct.DestinationInfo, 0, len(raw))
	for _, r := range raw {
		addr, err := netip.ParseAddr(r)
		if err != nil {
			return nil, fmt.Errorf("parse destination %q: %w", r, err)
		}
		d, err := hpct.NewDestinationInfo(addr, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func onlyMatchingFamily(dests []hpct.DestinationInfo, family rawsocket.Family) []hpct.DestinationInfo {
	out := make([]hpct.DestinationInfo, 0, len(dests))
	for _, d := range dests {
		is6 := d.Address().Is6() && !d.Address().Is4In6()
		if (family == rawsocket.FamilyV6) == is6 {
			out = append(out, d)
		}
	}
	return out
}
