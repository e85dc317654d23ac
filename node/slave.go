package node

import (
	"context"
	"os"

	"github.com/pkg/errors"

	"github.com/roscomm/roscomm/master"
	"github.com/roscomm/roscomm/xmlrpc"
)

// must hold r.mtx
func (r *Runtime) bindSlaveMethods() error {
	handlers := []struct {
		name string
		h    xmlrpc.Handler
	}{
		{"shutdown", r.handleShutdown},
		{"getPid", r.handleGetPid},
		{"getMasterUri", r.handleGetMasterURI},
		{"getSubscriptions", r.handleGetSubscriptions},
		{"getPublications", r.handleGetPublications},
		{"getBusStats", r.handleGetBusStats},
		{"getBusInfo", r.handleGetBusInfo},
	}
	for _, h := range handlers {
		m, err := r.rpc.CreateMethod(h.name)
		if err != nil {
			return errors.Wrapf(err, "cannot create slave method %s", h.name)
		}
		m.Bind(h.h)
		r.methods = append(r.methods, m)
	}
	return nil
}

// shutdown(caller_id[, reason])
func (r *Runtime) handleShutdown(ctx context.Context, params []interface{}) (interface{}, error) {
	log := r.log.WithField("request_id", xmlrpc.RequestID(ctx))
	if len(params) > 0 {
		if caller, ok := params[0].(string); ok {
			log = log.WithField("caller_id", caller)
		}
	}
	reason := "shutdown requested via slave API"
	if len(params) > 1 {
		if s, ok := params[1].(string); ok && s != "" {
			reason = s
		}
		log.WithField("reason", reason).Warn("Shutdown request received")
	} else {
		log.Warn("Shutdown request received")
	}
	r.Shutdown(reason)
	return master.Response(master.StatusSuccess, "", 0), nil
}

func (r *Runtime) handleGetPid(ctx context.Context, params []interface{}) (interface{}, error) {
	return master.Response(master.StatusSuccess, "", os.Getpid()), nil
}

func (r *Runtime) handleGetMasterURI(ctx context.Context, params []interface{}) (interface{}, error) {
	return master.Response(master.StatusSuccess, "", r.MasterURI()), nil
}

func (r *Runtime) handleGetSubscriptions(ctx context.Context, params []interface{}) (interface{}, error) {
	return master.Response(master.StatusSuccess, "subscriptions", toArray(r.topics.Subscriptions())), nil
}

func (r *Runtime) handleGetPublications(ctx context.Context, params []interface{}) (interface{}, error) {
	return master.Response(master.StatusSuccess, "publications", toArray(r.topics.Publications())), nil
}

// getBusStats: [publishStats, subscribeStats, serviceStats]
func (r *Runtime) handleGetBusStats(ctx context.Context, params []interface{}) (interface{}, error) {
	publish, subscribe := r.topics.BusStats()
	stats := []interface{}{publish, subscribe, r.services.BusStats()}
	return master.Response(master.StatusSuccess, "", stats), nil
}

func (r *Runtime) handleGetBusInfo(ctx context.Context, params []interface{}) (interface{}, error) {
	return master.Response(master.StatusSuccess, "", r.topics.BusInfo()), nil
}

func toArray(pairs [][]string) []interface{} {
	out := make([]interface{}, len(pairs))
	for i, p := range pairs {
		out[i] = []interface{}{p[0], p[1]}
	}
	return out
}
