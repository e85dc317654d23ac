package node

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/roscomm/roscomm/master"
	"github.com/roscomm/roscomm/names"
	"github.com/roscomm/roscomm/service"
	"github.com/roscomm/roscomm/topic"
)

// operational returns the managers if the node is started and no
// shutdown was requested.
func (r *Runtime) operational() (*topic.Manager, *service.Manager, error) {
	if atomic.LoadInt32(&r.shutdownRequested) != 0 {
		return nil, nil, ErrInvalidHandle
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	switch r.state {
	case StateStarted:
		return r.topics, r.services, nil
	case StateUnconfigured:
		return nil, nil, errNotInitialized
	case StateInitialized:
		return nil, nil, ErrNotStarted
	default:
		return nil, nil, ErrInvalidHandle
	}
}

// ResolveName resolves a graph resource name relative to the node and
// applies its remappings.
func (r *Runtime) ResolveName(name string) (string, error) {
	r.mtx.Lock()
	id, remappings := r.identity, r.remappings
	r.mtx.Unlock()
	return names.ResolveGraphName(id, name, remappings)
}

// Advertise publishes opts.Topic. The topic name is resolved relative
// to the node.
func (r *Runtime) Advertise(ctx context.Context, opts topic.AdvertiseOptions) (*topic.Publisher, error) {
	topics, _, err := r.operational()
	if err != nil {
		return nil, err
	}
	if opts.Topic, err = r.ResolveName(opts.Topic); err != nil {
		return nil, err
	}
	return topics.Advertise(ctx, opts)
}

// Subscribe subscribes to opts.Topic. The topic name is resolved relative
// to the node. Callbacks run on the node's callback queue unless
// opts.Queue is set.
func (r *Runtime) Subscribe(ctx context.Context, opts topic.SubscribeOptions) (*topic.Subscriber, error) {
	topics, _, err := r.operational()
	if err != nil {
		return nil, err
	}
	if opts.Topic, err = r.ResolveName(opts.Topic); err != nil {
		return nil, err
	}
	return topics.Subscribe(ctx, opts)
}

func (r *Runtime) AdvertiseService(ctx context.Context, opts service.Options) (*service.Server, error) {
	_, services, err := r.operational()
	if err != nil {
		return nil, err
	}
	if opts.Service, err = r.ResolveName(opts.Service); err != nil {
		return nil, err
	}
	return services.AdvertiseService(ctx, opts)
}

// CallService calls a service provided by any node.
func (r *Runtime) CallService(ctx context.Context, name, md5sum string, req []byte) ([]byte, error) {
	_, services, err := r.operational()
	if err != nil {
		return nil, err
	}
	if name, err = r.ResolveName(name); err != nil {
		return nil, err
	}
	return services.Call(ctx, name, md5sum, req)
}

func (r *Runtime) WaitForService(ctx context.Context, name string) error {
	_, services, err := r.operational()
	if err != nil {
		return err
	}
	if name, err = r.ResolveName(name); err != nil {
		return err
	}
	return services.WaitForService(ctx, name, 100*time.Millisecond)
}

var errNotInitialized = errors.New("node is not initialized")

// paramKey resolves key and returns the master client parameters are
// stored with. Parameters work before Start but not after Shutdown.
func (r *Runtime) paramKey(key string) (string, *master.Client, error) {
	if atomic.LoadInt32(&r.shutdownRequested) != 0 {
		return "", nil, ErrInvalidHandle
	}
	mc := r.Master()
	if mc == nil {
		return "", nil, errNotInitialized
	}
	key, err := r.ResolveName(key)
	return key, mc, err
}

func (r *Runtime) SetParam(ctx context.Context, key string, value interface{}) error {
	key, mc, err := r.paramKey(key)
	if err != nil {
		return err
	}
	return mc.SetParam(ctx, key, value)
}

func (r *Runtime) GetParam(ctx context.Context, key string) (interface{}, error) {
	key, mc, err := r.paramKey(key)
	if err != nil {
		return nil, err
	}
	return mc.GetParam(ctx, key)
}

func (r *Runtime) HasParam(ctx context.Context, key string) (bool, error) {
	key, mc, err := r.paramKey(key)
	if err != nil {
		return false, err
	}
	return mc.HasParam(ctx, key)
}

func (r *Runtime) DeleteParam(ctx context.Context, key string) error {
	key, mc, err := r.paramKey(key)
	if err != nil {
		return err
	}
	return mc.DeleteParam(ctx, key)
}
