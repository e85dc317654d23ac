package daemon

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roscomm/roscomm/config"
	"github.com/roscomm/roscomm/logging"
	"github.com/roscomm/roscomm/util/tcpsock"
)

type prometheusJob struct {
	listen   string
	freeBind bool
	// addr is set once listening, for tests
	addr chan net.Addr
}

func newPrometheusJobFromConfig(in *config.PrometheusMonitoring) (*prometheusJob, error) {
	if _, _, err := net.SplitHostPort(in.Listen); err != nil {
		return nil, err
	}
	return &prometheusJob{listen: in.Listen, freeBind: in.ListenFreeBind, addr: make(chan net.Addr, 1)}, nil
}

func (j *prometheusJob) Run(ctx context.Context) {
	log := logging.GetLogger(ctx, logging.SubsysDaemon).WithField("job", "prometheus")

	l, err := tcpsock.Listen(ctx, j.listen, j.freeBind)
	if err != nil {
		log.WithError(err).Error("cannot listen")
		return
	}
	j.addr <- l.Addr()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	err = srv.Serve(l)
	if err != nil && ctx.Err() == nil {
		log.WithError(err).Error("error while serving")
	}
}
