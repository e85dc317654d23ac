// Package node implements the runtime that owns one node's managers and
// drives them through Init, Start and Shutdown.
package node

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zrepl/yaml-config"

	"github.com/roscomm/roscomm/callbackqueue"
	"github.com/roscomm/roscomm/connection"
	"github.com/roscomm/roscomm/logger"
	"github.com/roscomm/roscomm/logging"
	"github.com/roscomm/roscomm/master"
	"github.com/roscomm/roscomm/names"
	"github.com/roscomm/roscomm/pollmanager"
	"github.com/roscomm/roscomm/service"
	"github.com/roscomm/roscomm/topic"
	"github.com/roscomm/roscomm/util/envconst"
	"github.com/roscomm/roscomm/xmlrpc"
)

// Remapping keys and environment variables consulted by Init.
const (
	RemapMaster   = "__master"
	RemapHostname = "__hostname"
	RemapIP       = "__ip"

	EnvMasterURI = "ROS_MASTER_URI"
	EnvHostname  = "ROS_HOSTNAME"
	EnvIP        = "ROS_IP"
	EnvNamespace = "ROS_NAMESPACE"
)

// ErrInvalidHandle is returned for operations on a runtime that is
// shutting down or stopped.
var ErrInvalidHandle = errors.New("operation on invalid handle: node is shut down")

var ErrNotStarted = errors.New("node is not started")

type InitOptions struct {
	// MasterURI, Hostname and IP take precedence over remapping
	// arguments and the environment.
	MasterURI string
	Hostname  string
	IP        string
	Namespace string

	AnonymousName   bool
	NoSigintHandler bool
	// NoRosout is accepted for compatibility. Log publishing is not
	// implemented.
	NoRosout bool

	// MasterRetryTimeout bounds master calls. Zero selects the default,
	// WaitForMaster retries forever.
	MasterRetryTimeout time.Duration
	WaitForMaster      bool

	WallDuration     time.Duration
	HandshakeTimeout time.Duration
	CallbackThreads  int

	// TCPROS and XML-RPC listen addresses, default ":0".
	Listen         string
	ListenFreeBind bool
	RPCListen      string

	Logger     logger.Logger
	Registerer prometheus.Registerer
}

func (o *InitOptions) setDefaults() {
	if o.MasterRetryTimeout <= 0 {
		o.MasterRetryTimeout = envconst.Duration("ROSCOMM_MASTER_RETRY_TIMEOUT", 5*time.Second)
	}
	if o.WallDuration <= 0 {
		o.WallDuration = pollmanager.DefaultWallDuration
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.CallbackThreads < 1 {
		o.CallbackThreads = 1
	}
	if o.Listen == "" {
		o.Listen = ":0"
	}
	if o.RPCListen == "" {
		o.RPCListen = ":0"
	}
	if o.Logger == nil {
		o.Logger = logger.NewNullLogger()
	}
}

// Runtime is one node. The zero value is not usable, construct with New.
type Runtime struct {
	// mtx serializes Init and Start and protects the fields below
	mtx        sync.Mutex
	state      State
	opts       InitOptions
	log        logger.Logger
	identity   names.Identity
	remappings names.Remappings
	args       []string
	masterURI  string
	host       string
	callerURI  string

	master   *master.Client
	queue    *callbackqueue.Queue
	poll     *pollmanager.Manager
	conns    *connection.Manager
	rpc      *xmlrpc.Server
	topics   *topic.Manager
	services *service.Manager
	methods  []*xmlrpc.Method

	spinCancel context.CancelFunc
	spinDone   chan struct{}

	shutdownRequested int32
	shutdownReason    atomic.Value
	// teardownMtx makes teardown run exactly once
	teardownMtx sync.Mutex
	tornDown    bool
	stopped     chan struct{}

	signalInstalls int32
}

func New() *Runtime {
	return &Runtime{
		stopped: make(chan struct{}),
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Init resolves the node's identity and its master, hostname and IP,
// constructs the node's managers and sets private parameters given as
// _param:=value arguments. Calling Init again is a no-op.
func (r *Runtime) Init(ctx context.Context, args []string, nodeName string, opts InitOptions) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if atomic.LoadInt32(&r.shutdownRequested) != 0 {
		return ErrInvalidHandle
	}
	if r.state != StateUnconfigured {
		return nil
	}
	opts.setDefaults()
	r.opts = opts
	r.log = logging.LogSubsystem(opts.Logger, logging.SubsysNode)

	remappings, rest := names.GetRemappings(args)
	r.remappings, r.args = remappings, rest

	r.queue = callbackqueue.New(logging.LogSubsystem(opts.Logger, logging.SubsysCBQueue))

	// network
	hostname := firstNonEmpty(opts.Hostname, remappings[RemapHostname], os.Getenv(EnvHostname))
	ip := firstNonEmpty(opts.IP, remappings[RemapIP], os.Getenv(EnvIP))
	r.host = firstNonEmpty(hostname, ip)
	if r.host == "" {
		h, err := os.Hostname()
		if err != nil {
			return errors.Wrap(err, "cannot determine hostname")
		}
		r.host = h
	}

	// master
	r.masterURI = firstNonEmpty(opts.MasterURI, remappings[RemapMaster], os.Getenv(EnvMasterURI))
	if r.masterURI == "" {
		return errors.Errorf("master URI not set: pass it explicitly, as %s:= argument or in %s", RemapMaster, EnvMasterURI)
	}
	r.master = master.Dial(r.masterURI, opts.MasterRetryTimeout, logging.LogSubsystem(opts.Logger, logging.SubsysMaster))
	if opts.WaitForMaster {
		r.master.WaitForMaster()
	}

	// names
	namespace := firstNonEmpty(opts.Namespace, os.Getenv(EnvNamespace))
	identity, err := names.ResolveIdentity(namespace, nodeName, remappings, names.Options{Anonymous: opts.AnonymousName})
	if err != nil {
		return errors.Wrap(err, "cannot resolve node name")
	}
	r.identity = identity
	r.master.SetCallerID(identity.Name)
	r.log = r.log.WithField("node", identity.Name)

	// params
	if err := r.initParams(ctx); err != nil {
		return err
	}

	r.poll = pollmanager.New(logging.LogSubsystem(opts.Logger, logging.SubsysPoll), opts.WallDuration)
	r.conns = connection.NewManager(logging.LogSubsystem(opts.Logger, logging.SubsysConnection), opts.HandshakeTimeout)
	r.rpc = xmlrpc.NewServer(logging.LogSubsystem(opts.Logger, logging.SubsysXMLRPC))
	r.topics = topic.NewManager(logging.LogSubsystem(opts.Logger, logging.SubsysTopic), r.master, r.conns, r.queue)
	r.services = service.NewManager(logging.LogSubsystem(opts.Logger, logging.SubsysService), r.master, r.conns, r.queue)
	if opts.Registerer != nil {
		r.registerMetrics(opts.Registerer)
	}

	if !opts.NoSigintHandler {
		r.installSignalHandler()
	}

	r.state = StateInitialized
	r.log.WithField("master_uri", r.masterURI).WithField("host", r.host).Info("node initialized")
	return nil
}

func (r *Runtime) registerMetrics(registerer prometheus.Registerer) {
	r.master.RegisterMetrics(registerer)
	r.queue.RegisterMetrics(registerer)
	r.poll.RegisterMetrics(registerer)
	r.conns.RegisterMetrics(registerer)
	r.topics.RegisterMetrics(registerer)
	r.services.RegisterMetrics(registerer)
}

func (r *Runtime) initParams(ctx context.Context) error {
	for key, value := range r.remappings {
		if !strings.HasPrefix(key, "_") || names.Reserved(key) {
			continue
		}
		param, err := names.ResolveGraphName(r.identity, names.PrivateMarker+strings.TrimPrefix(key, "_"), nil)
		if err != nil {
			return errors.Wrapf(err, "invalid parameter argument %s", key)
		}
		if err := r.master.SetParam(ctx, param, ParseParamValue(value)); err != nil {
			return errors.Wrapf(err, "cannot set parameter %s", param)
		}
		r.log.WithField("param", param).Debug("parameter set from argument")
	}
	return nil
}

// ParseParamValue interprets a _param:=value argument as a YAML scalar or
// list. Values that do not parse are kept as strings.
func ParseParamValue(s string) interface{} {
	var v interface{}
	if err := yaml.Unmarshal([]byte(s), &v); err != nil || v == nil {
		return s
	}
	return normalizeParam(v)
}

func normalizeParam(v interface{}) interface{} {
	switch v := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, e := range v {
			m[fmt.Sprint(k)] = normalizeParam(e)
		}
		return m
	case []interface{}:
		for i := range v {
			v[i] = normalizeParam(v[i])
		}
		return v
	default:
		return v
	}
}

func (r *Runtime) installSignalHandler() {
	atomic.AddInt32(&r.signalInstalls, 1)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		r.handleSignals(sigChan)
	}()
}

// handleSignals triggers shutdown on the first signal and returns once
// teardown has completed.
func (r *Runtime) handleSignals(sigChan <-chan os.Signal) {
	select {
	case sig := <-sigChan:
		r.Shutdown("received signal " + sig.String())
		<-r.stopped
	case <-r.stopped:
	}
}

// Start brings the node online: the shutdown check is added to the poll
// loop, slave methods are bound, the managers are started and the
// callback queue is enabled. Start is idempotent.
func (r *Runtime) Start(ctx context.Context) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	switch r.state {
	case StateStarted:
		return nil
	case StateUnconfigured:
		return errNotInitialized
	case StateShuttingDown, StateStopped:
		return ErrInvalidHandle
	}

	// undo everything below unless the node ends up started, so that a
	// failed Start can be retried
	var pollListeners []pollmanager.ListenerID
	started := false
	defer func() {
		if started {
			return
		}
		for _, id := range pollListeners {
			r.poll.RemoveListener(id)
		}
		r.topics.UnbindSlaveMethods()
		for _, m := range r.methods {
			m.Close()
		}
		r.methods = nil
		r.conns.Unlisten()
		if err := r.rpc.Shutdown(ctx); err != nil {
			r.log.WithError(err).Warn("cannot release XML-RPC listener")
		}
		r.callerURI = ""
	}()

	if err := r.rpc.Listen(ctx, r.opts.RPCListen, false); err != nil {
		return errors.Wrap(err, "cannot listen for XML-RPC")
	}
	if err := r.conns.Listen(ctx, r.opts.Listen, r.opts.ListenFreeBind); err != nil {
		return errors.Wrap(err, "cannot listen for TCPROS")
	}
	r.callerURI = "http://" + net.JoinHostPort(r.host, strconv.Itoa(r.rpc.Port())) + "/"

	pollListeners = append(pollListeners,
		r.poll.AddListener(r.checkForShutdown),
		r.poll.AddListener(func(context.Context) { r.conns.Reap() }),
	)
	if err := r.bindSlaveMethods(); err != nil {
		return err
	}
	if err := r.topics.BindSlaveMethods(r.rpc); err != nil {
		return errors.Wrap(err, "cannot bind topic slave methods")
	}

	if err := r.topics.Start(r.callerURI, r.host); err != nil {
		return errors.Wrap(err, "cannot start topic manager")
	}
	if err := r.services.Start(r.callerURI, r.host); err != nil {
		r.log.WithError(err).Error("service manager failed to start, continuing without services")
	}
	if err := r.conns.Start(); err != nil {
		return errors.Wrap(err, "cannot start connection manager")
	}
	if err := r.poll.Start(); err != nil {
		return errors.Wrap(err, "cannot start poll manager")
	}
	if err := r.rpc.Start(); err != nil {
		return errors.Wrap(err, "cannot start XML-RPC server")
	}

	r.queue.Enable()
	spinCtx, cancel := context.WithCancel(context.Background())
	r.spinCancel = cancel
	r.spinDone = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		r.queue.Spin(spinCtx, r.opts.CallbackThreads)
	}(r.spinDone)

	started = true
	r.state = StateStarted
	r.log.WithField("uri", r.callerURI).WithField("tcpros_port", r.conns.Port()).Info("node started")
	return nil
}

// Shutdown requests shutdown. Teardown runs on the poll loop, or right
// away if the node was never started. Safe for concurrent use.
func (r *Runtime) Shutdown(reason string) {
	if !atomic.CompareAndSwapInt32(&r.shutdownRequested, 0, 1) {
		return
	}
	r.shutdownReason.Store(reason)
	r.mtx.Lock()
	started, log := r.state == StateStarted, r.log
	r.mtx.Unlock()
	if log != nil {
		log.WithField("reason", reason).Info("shutdown requested")
	}
	if started {
		r.poll.Signal()
		return
	}
	r.teardown(context.Background())
}

func (r *Runtime) checkForShutdown(ctx context.Context) {
	if atomic.LoadInt32(&r.shutdownRequested) != 0 {
		r.teardown(ctx)
	}
}

// teardown stops the node. ctx is the poll listener context if called
// from the poll loop.
func (r *Runtime) teardown(ctx context.Context) {
	r.teardownMtx.Lock()
	defer r.teardownMtx.Unlock()
	if r.tornDown {
		return
	}
	r.tornDown = true

	r.mtx.Lock()
	prev := r.state
	r.state = StateShuttingDown
	methods := r.methods
	r.methods = nil
	log := r.log
	r.mtx.Unlock()
	if log == nil {
		log = logger.NewNullLogger()
	}

	defer func() {
		r.mtx.Lock()
		r.state = StateStopped
		r.mtx.Unlock()
		close(r.stopped)
		log.Info("node stopped")
	}()
	if prev == StateUnconfigured {
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), envconst.Duration("ROSCOMM_SHUTDOWN_TIMEOUT", 10*time.Second))
	defer cancel()

	for _, m := range methods {
		m.Close()
	}

	r.queue.Disable()
	r.queue.Clear()
	if r.spinCancel != nil {
		r.spinCancel()
		<-r.spinDone
	}

	if err := r.topics.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("error shutting down topic manager")
	}
	if err := r.services.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("error shutting down service manager")
	}
	r.poll.Shutdown(ctx)
	if err := r.rpc.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("error shutting down XML-RPC server")
	}
	r.conns.Shutdown()
}

// WaitForShutdown blocks until the node has stopped or ctx is done. It
// must not be called from a callback, teardown waits for callbacks to
// return.
func (r *Runtime) WaitForShutdown(ctx context.Context) error {
	select {
	case <-r.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stopped is closed once teardown has completed.
func (r *Runtime) Stopped() <-chan struct{} { return r.stopped }

// OK reports whether the node may be operated, i.e. no shutdown was
// requested.
func (r *Runtime) OK() bool {
	if atomic.LoadInt32(&r.shutdownRequested) != 0 {
		return false
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.state == StateInitialized || r.state == StateStarted
}

func (r *Runtime) ShutdownReason() string {
	s, _ := r.shutdownReason.Load().(string)
	return s
}

func (r *Runtime) State() State {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.state
}

func (r *Runtime) Identity() names.Identity {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.identity
}

// Name is the fully qualified node name.
func (r *Runtime) Name() string { return r.Identity().Name }

func (r *Runtime) MasterURI() string {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.masterURI
}

func (r *Runtime) Host() string {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.host
}

// URI is the node's XML-RPC URI. Empty before Start.
func (r *Runtime) URI() string {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.callerURI
}

// Args returns the arguments that were not remappings.
func (r *Runtime) Args() []string {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.args
}

func (r *Runtime) Master() *master.Client {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.master
}

func (r *Runtime) Queue() *callbackqueue.Queue {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.queue
}
