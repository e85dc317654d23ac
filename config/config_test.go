package config

import (
	"path"
	"path/filepath"
	"testing"
	"time"

	"github.com/kr/pretty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleConfigsAreParsedWithoutErrors(t *testing.T) {
	paths, err := filepath.Glob("./samples/*")
	if err != nil {
		t.Errorf("glob failed: %+v", err)
	}
	require.NotEmpty(t, paths)

	for _, p := range paths {

		if path.Ext(p) != ".yml" {
			t.Logf("skipping file %s", p)
			continue
		}

		t.Run(p, func(t *testing.T) {
			c, err := ParseConfig(p)
			if err != nil {
				t.Errorf("error parsing %s:\n%+v", p, err)
			}

			t.Logf("file: %s", p)
			t.Log(pretty.Sprint(c))
		})

	}

}

func testValidConfig(t *testing.T, input string) *Config {
	t.Helper()
	conf, err := testConfig(t, input)
	require.NoError(t, err)
	require.NotNil(t, conf)
	return conf
}

func testConfig(t *testing.T, input string) (*Config, error) {
	t.Helper()
	return ParseConfigBytes([]byte(input))
}

func TestNodeDefaults(t *testing.T) {
	c := testValidConfig(t, `
node:
  name: "minimal"
`)
	assert.Equal(t, "minimal", c.Node.Name)
	assert.Equal(t, 5*time.Second, c.Node.MasterRetryTimeout)
	assert.Equal(t, 10*time.Millisecond, c.Node.WallDuration)
	assert.Equal(t, 10*time.Second, c.Node.HandshakeTimeout)
	assert.Equal(t, 1, c.Node.CallbackThreads)
	assert.False(t, c.Node.Anonymous)

	require.NotNil(t, c.Global)
	require.NotNil(t, c.Global.Logging)
	require.Len(t, *c.Global.Logging, 1)
	stdout, ok := (*c.Global.Logging)[0].Ret.(*StdoutLoggingOutlet)
	require.True(t, ok, "%T", (*c.Global.Logging)[0].Ret)
	assert.Equal(t, "warn", stdout.Level)
}

func TestNodeSectionRequired(t *testing.T) {
	_, err := testConfig(t, `
global:
  logging:
    - type: "stdout"
      level: "debug"
      format: "logfmt"
`)
	assert.Error(t, err)
}

func TestUnknownMonitoringType(t *testing.T) {
	_, err := testConfig(t, `
node:
  name: "n"
global:
  monitoring:
    - type: "graphite"
      listen: ":1234"
`)
	assert.Error(t, err)
}

func TestTCPLoggingOutlet(t *testing.T) {
	c := testValidConfig(t, `
node:
  name: "n"
global:
  logging:
    - type: "tcp"
      level: "info"
      format: "json"
      address: "logs.example.com:5140"
`)
	tcp, ok := (*c.Global.Logging)[0].Ret.(*TCPLoggingOutlet)
	require.True(t, ok)
	assert.Equal(t, "tcp", tcp.Net)
	assert.Equal(t, 10*time.Second, tcp.RetryInterval)
}
