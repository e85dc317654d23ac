package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/jinzhu/copier"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roscomm/roscomm/config"
	"github.com/roscomm/roscomm/logger"
	"github.com/roscomm/roscomm/logging"
	"github.com/roscomm/roscomm/node"
	"github.com/roscomm/roscomm/version"
)

// InitOptionsFromConfig translates the node section of the config.
func InitOptionsFromConfig(in *config.Node) (node.InitOptions, error) {
	var opts node.InitOptions
	if err := copier.Copy(&opts, in); err != nil {
		return opts, errors.Wrap(err, "cannot copy node config")
	}
	opts.AnonymousName = in.Anonymous
	if in.MasterRetryTimeout == 0 {
		opts.WaitForMaster = true
	}
	return opts, nil
}

func Run(ctx context.Context, conf *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outlets, err := logging.OutletsFromConfig(*conf.Global.Logging)
	if err != nil {
		return errors.Wrap(err, "cannot build logging from config")
	}
	promOutlet := logging.NewPrometheusOutlet()
	outlets.Add(promOutlet, logger.Debug)

	log := logger.NewLogger(outlets, 1*time.Second)
	log.Info(version.NewVersionInformation().String())
	ctx = logging.WithLogger(ctx, log)
	dlog := logging.GetLogger(ctx, logging.SubsysDaemon)

	var monitors []*prometheusJob
	for i, mc := range conf.Global.Monitoring {
		switch v := mc.Ret.(type) {
		case *config.PrometheusMonitoring:
			job, err := newPrometheusJobFromConfig(v)
			if err != nil {
				return errors.Wrapf(err, "cannot build monitoring job #%d", i)
			}
			monitors = append(monitors, job)
		default:
			return errors.Errorf("unknown monitoring job #%d (type %T)", i, v)
		}
	}

	// register global (=non node-local) metrics
	version.PrometheusRegister(prometheus.DefaultRegisterer)
	promOutlet.RegisterMetrics(prometheus.DefaultRegisterer)

	opts, err := InitOptionsFromConfig(conf.Node)
	if err != nil {
		return err
	}
	opts.Logger = log
	opts.Registerer = prometheus.DefaultRegisterer

	r := node.New()
	if err := r.Init(ctx, conf.Node.Args, conf.Node.Name, opts); err != nil {
		return errors.Wrap(err, "cannot initialize node")
	}

	var wg sync.WaitGroup
	for _, j := range monitors {
		wg.Add(1)
		go func(j *prometheusJob) {
			defer wg.Done()
			j.Run(ctx)
		}(j)
	}
	defer wg.Wait()
	defer cancel()

	if err := r.Start(ctx); err != nil {
		r.Shutdown("start failed")
		<-r.Stopped()
		return errors.Wrap(err, "cannot start node")
	}
	dlog.WithField("node", r.Name()).WithField("uri", r.URI()).Info("hosting node")

	select {
	case <-r.Stopped():
		dlog.WithField("reason", r.ShutdownReason()).Info("node stopped")
	case <-ctx.Done():
		dlog.WithError(ctx.Err()).Info("context finished")
		r.Shutdown("daemon context finished")
		<-r.Stopped()
	}
	dlog.Info("daemon exiting")
	return nil
}
