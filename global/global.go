package global

import (
	"context"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type (
	// Logging is what components require from the environment for logging
	Logging interface {
		Log() *zap.SugaredLogger
	}

	// Environment is the full environment handed to long-running components
	Environment interface {
		Logging
		Ctx() context.Context
		Stop()
		MarkWorkProcessStarted()
		MarkWorkProcessStopped()
		MetricsRegistry() *prometheus.Registry
	}

	Global struct {
		*zap.SugaredLogger
		*sync.WaitGroup
		ctx             context.Context
		stopFun         context.CancelFunc
		once            *sync.Once
		metricsRegistry *prometheus.Registry
	}
)

func New() *Global {
	ctx, cancelFun := context.WithCancel(context.Background())
	return &Global{
		ctx:             ctx,
		stopFun:         cancelFun,
		SugaredLogger:   NewLogger("", zapcore.InfoLevel, nil, ""),
		WaitGroup:       &sync.WaitGroup{},
		once:            &sync.Once{},
		metricsRegistry: prometheus.NewRegistry(),
	}
}

// NewFromConfig builds the environment with the logger described by viper keys
// logger.level, logger.output and logger.timelayout
func NewFromConfig() *Global {
	lvl := zapcore.InfoLevel
	if viper.GetString("logger.level") == "debug" {
		lvl = zapcore.DebugLevel
	}
	outputs := strings.Split(viper.GetString("logger.output"), ",")
	outputs = trimEmpty(outputs)

	ctx, cancelFun := context.WithCancel(context.Background())
	return &Global{
		ctx:             ctx,
		stopFun:         cancelFun,
		SugaredLogger:   NewLogger("", lvl, outputs, viper.GetString("logger.timelayout")),
		WaitGroup:       &sync.WaitGroup{},
		once:            &sync.Once{},
		metricsRegistry: prometheus.NewRegistry(),
	}
}

func trimEmpty(sl []string) []string {
	ret := sl[:0]
	for _, s := range sl {
		if s = strings.TrimSpace(s); s != "" {
			ret = append(ret, s)
		}
	}
	return ret
}

func (g *Global) MarkWorkProcessStarted() {
	g.WaitGroup.Add(1)
}

func (g *Global) MarkWorkProcessStopped() {
	g.WaitGroup.Done()
}

func (g *Global) Stop() {
	g.stopFun()
}

func (g *Global) Ctx() context.Context {
	return g.ctx
}

func (g *Global) Wait() {
	g.WaitGroup.Wait()
	g.once.Do(func() {
		g.Log().Info("all work processes stopped")
	})
}

func (g *Global) Log() *zap.SugaredLogger {
	return g.SugaredLogger
}

func (g *Global) MetricsRegistry() *prometheus.Registry {
	return g.metricsRegistry
}

func MakeSubLogger(g *Global, name string) *Global {
	ret := *g
	ret.SugaredLogger = g.Log().Named(name)
	return &ret
}
