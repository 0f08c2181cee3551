package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"

	"github.com/openlobby/peerbroker/pkg/config"
	"github.com/openlobby/peerbroker/pkg/logger"
	"github.com/openlobby/peerbroker/pkg/network/httpx"
	"github.com/openlobby/peerbroker/pkg/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Monitoring struct {
	service.RunnableService

	conf   config.Monitoring
	log    *logger.Logger
	server *httpx.Server
}

// New creates a monitoring sidecar with prometheus and pprof endpoints.
// The tag param specifies the owner label for logs.
func New(conf config.Monitoring, tag string, log *logger.Logger) (*Monitoring, error) {
	serv, err := httpx.NewServer(
		fmt.Sprintf(":%d", conf.Port),
		func(serv *httpx.Server) http.Handler {
			h := http.NewServeMux()

			if conf.ProfilingEnabled {
				prefix := fmt.Sprintf("%s/debug/pprof", conf.URLPrefix)
				log.Info().Msgf("[%v] profiling is enabled at %v", tag, serv.Addr+prefix)
				h.HandleFunc(prefix+"/", pprof.Index)
				h.HandleFunc(prefix+"/cmdline", pprof.Cmdline)
				h.HandleFunc(prefix+"/profile", pprof.Profile)
				h.HandleFunc(prefix+"/symbol", pprof.Symbol)
				h.HandleFunc(prefix+"/trace", pprof.Trace)
				// pprof handlers for a custom path have to be named explicitly
				h.Handle(prefix+"/allocs", pprof.Handler("allocs"))
				h.Handle(prefix+"/block", pprof.Handler("block"))
				h.Handle(prefix+"/goroutine", pprof.Handler("goroutine"))
				h.Handle(prefix+"/heap", pprof.Handler("heap"))
				h.Handle(prefix+"/mutex", pprof.Handler("mutex"))
				h.Handle(prefix+"/threadcreate", pprof.Handler("threadcreate"))
			}

			if conf.MetricEnabled {
				metricPath := fmt.Sprintf("%s/metrics", conf.URLPrefix)
				log.Info().Msgf("[%v] prometheus metrics are enabled at %v", tag, serv.Addr+metricPath)
				h.Handle(metricPath, promhttp.Handler())
			}

			return h
		},
		httpx.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	return &Monitoring{conf: conf, log: log, server: serv}, nil
}

func (m *Monitoring) Run() {
	m.log.Info().Msgf("starting monitoring server at %v", m.server.Addr)
	m.server.Run()
}

func (m *Monitoring) Shutdown(ctx context.Context) error {
	m.log.Debug().Msg("shutting down the monitoring server")
	return m.server.Shutdown(ctx)
}

func (m *Monitoring) String() string {
	return fmt.Sprintf("monitoring::%s:%d", m.conf.URLPrefix, m.conf.Port)
}
