package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/zrepl/yaml-config"
)

type Config struct {
	Node   *Node   `yaml:"node"`
	Global *Global `yaml:"global,optional,fromdefaults"`
}

// Node configures the node hosted by the daemon.
// Empty MasterURI, Hostname and IP fall back to remapping
// arguments and then to the environment.
type Node struct {
	Name      string `yaml:"name"`
	Namespace string `yaml:"namespace,optional"`
	Anonymous bool   `yaml:"anonymous,optional,default=false"`

	MasterURI string `yaml:"master_uri,optional"`
	Hostname  string `yaml:"hostname,optional"`
	IP        string `yaml:"ip,optional"`

	// zero means: wait for the master indefinitely
	MasterRetryTimeout time.Duration `yaml:"master_retry_timeout,optional,default=5s"`
	WaitForMaster      bool          `yaml:"wait_for_master,optional,default=false"`

	WallDuration     time.Duration `yaml:"wall_duration,optional,positive,default=10ms"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout,optional,positive,default=10s"`
	CallbackThreads  int           `yaml:"callback_threads,optional,default=1"`

	// TCPROS listen address
	Listen         string `yaml:"listen,optional,default=:0"`
	ListenFreeBind bool   `yaml:"listen_freebind,optional,default=false"`
	// XML-RPC (slave API) listen address
	RPCListen string `yaml:"rpc_listen,optional,default=:0"`

	// Args are handed to the node like command line remapping arguments (key:=value).
	Args []string `yaml:"args,optional"`
}

type LoggingOutletEnumList []LoggingOutletEnum

func (l *LoggingOutletEnumList) SetDefault() {
	def := `
type: "stdout"
time: true
level: "warn"
format: "human"
`
	s := &StdoutLoggingOutlet{}
	err := yaml.UnmarshalStrict([]byte(def), s)
	if err != nil {
		panic(err)
	}
	*l = []LoggingOutletEnum{{Ret: s}}
}

var _ yaml.Defaulter = &LoggingOutletEnumList{}

type Global struct {
	Logging    *LoggingOutletEnumList `yaml:"logging,optional,fromdefaults"`
	Monitoring []MonitoringEnum       `yaml:"monitoring,optional"`
}

type LoggingOutletEnum struct {
	Ret interface{}
}

type LoggingOutletCommon struct {
	Type   string `yaml:"type"`
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StdoutLoggingOutlet struct {
	LoggingOutletCommon `yaml:",inline"`
	Time                bool `yaml:"time,default=true"`
	Color               bool `yaml:"color,default=true"`
}

type SyslogLoggingOutlet struct {
	LoggingOutletCommon `yaml:",inline"`
	RetryInterval       time.Duration `yaml:"retry_interval,positive,default=10s"`
}

type TCPLoggingOutlet struct {
	LoggingOutletCommon `yaml:",inline"`
	Address             string        `yaml:"address"`
	Net                 string        `yaml:"net,default=tcp"`
	RetryInterval       time.Duration `yaml:"retry_interval,positive,default=10s"`
}

type MonitoringEnum struct {
	Ret interface{}
}

type PrometheusMonitoring struct {
	Type           string `yaml:"type"`
	Listen         string `yaml:"listen"`
	ListenFreeBind bool   `yaml:"listen_freebind,optional,default=false"`
}

func enumUnmarshal(u func(interface{}, bool) error, types map[string]interface{}) (interface{}, error) {
	var in struct {
		Type string
	}
	if err := u(&in, true); err != nil {
		return nil, err
	}
	if in.Type == "" {
		return nil, &yaml.TypeError{Errors: []string{"must specify type"}}
	}

	v, ok := types[in.Type]
	if !ok {
		return nil, &yaml.TypeError{Errors: []string{fmt.Sprintf("invalid type name %q", in.Type)}}
	}
	if err := u(v, false); err != nil {
		return nil, err
	}
	return v, nil
}

func (t *LoggingOutletEnum) UnmarshalYAML(u func(interface{}, bool) error) (err error) {
	t.Ret, err = enumUnmarshal(u, map[string]interface{}{
		"stdout": &StdoutLoggingOutlet{},
		"syslog": &SyslogLoggingOutlet{},
		"tcp":    &TCPLoggingOutlet{},
	})
	return
}

func (t *MonitoringEnum) UnmarshalYAML(u func(interface{}, bool) error) (err error) {
	t.Ret, err = enumUnmarshal(u, map[string]interface{}{
		"prometheus": &PrometheusMonitoring{},
	})
	return
}

var ConfigFileDefaultLocations = []string{
	"/etc/roscomm/roscomm.yml",
	"/usr/local/etc/roscomm/roscomm.yml",
}

func ParseConfig(path string) (i *Config, err error) {

	if path == "" {
		// Try default locations
		for _, l := range ConfigFileDefaultLocations {
			stat, statErr := os.Stat(l)
			if statErr != nil {
				continue
			}
			if !stat.Mode().IsRegular() {
				err = errors.Errorf("file at default location is not a regular file: %s", l)
				return
			}
			path = l
			break
		}
	}
	if path == "" {
		return nil, errors.New("no config file specified and none found at default locations")
	}

	var bytes []byte

	if bytes, err = os.ReadFile(path); err != nil {
		return
	}

	return ParseConfigBytes(bytes)
}

func ParseConfigBytes(bytes []byte) (*Config, error) {
	var c *Config
	if err := yaml.UnmarshalStrict(bytes, &c); err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("config is empty or only consists of comments")
	}
	if c.Node == nil {
		return nil, fmt.Errorf("config must contain a 'node' section")
	}
	if c.Node.CallbackThreads < 1 {
		return nil, fmt.Errorf("node.callback_threads must be at least 1, got %d", c.Node.CallbackThreads)
	}
	if c.Node.MasterRetryTimeout < 0 {
		return nil, fmt.Errorf("node.master_retry_timeout must not be negative")
	}
	return c, nil
}
