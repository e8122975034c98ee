// Package app assembles the demo server and client from configuration.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mine-and-die/replication/internal/config"
	"mine-and-die/replication/internal/observability"
	"mine-and-die/replication/internal/telemetry"
	"mine-and-die/replication/logging"
	loggingSinks "mine-and-die/replication/logging/sinks"
)

// runtime is the ambient stack shared by both binaries.
type runtime struct {
	logger   *zap.SugaredLogger
	router   *logging.Router
	counters *telemetry.Counters
	exporter *observability.Prometheus
	metrics  telemetry.Metrics
}

func newLogger(cfg config.Logging) *zap.SugaredLogger {
	level := zap.InfoLevel
	switch strings.ToLower(cfg.MinimumSeverity) {
	case "debug":
		level = zap.DebugLevel
	case "warn":
		level = zap.WarnLevel
	case "error":
		level = zap.ErrorLevel
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	if cfg.ConsoleColor {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level)
	return zap.New(core).Sugar()
}

func newRuntime(cfg config.Config, role string) (*runtime, error) {
	logger := newLogger(cfg.Logging).Named(role)

	rt := &runtime{logger: logger, counters: telemetry.NewCounters()}
	rt.metrics = rt.counters
	if cfg.Metrics.Enabled {
		labels := map[string]string{"role": role}
		for k, v := range cfg.Metrics.ConstLabels {
			labels[k] = v
		}
		rt.exporter = observability.NewPrometheus(labels)
		rt.metrics = telemetry.Fanout(rt.counters, rt.exporter)
	}

	routerCfg := cfg.Logging.RouterConfig()
	routerCfg.Fields = map[string]any{"role": role}
	var named []logging.NamedSink
	if routerCfg.HasSink("console") {
		named = append(named, logging.NamedSink{Name: "console", Sink: loggingSinks.NewConsole(os.Stdout, routerCfg.Console)})
	}
	if routerCfg.HasSink("json") {
		named = append(named, logging.NamedSink{Name: "json", Sink: loggingSinks.NewJSONFile(routerCfg.JSON)})
	}
	router, err := logging.NewRouter(routerCfg, named,
		logging.WithMetrics(rt.metrics),
		logging.WithDiagnostics(logger.Named("logging")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to construct logging router: %w", err)
	}
	rt.router = router
	return rt, nil
}

func (rt *runtime) operational() telemetry.Logger {
	return telemetry.WrapZap(rt.logger)
}

func (rt *runtime) metricsServer(cfg config.Metrics) *observability.Server {
	return observability.NewServer(cfg.ObservabilityConfig(), rt.exporter, rt.logger)
}

func (rt *runtime) close(ctx context.Context) {
	if err := rt.router.Close(ctx); err != nil {
		rt.logger.Warnf("failed to close logging router: %v", err)
	}
	_ = rt.logger.Sync()
}

// dialAddr turns a listen address such as ":8080" into one a client can
// dial.
func dialAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}
