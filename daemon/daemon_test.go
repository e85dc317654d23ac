package daemon

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roscomm/roscomm/config"
	"github.com/roscomm/roscomm/logger"
	"github.com/roscomm/roscomm/logging"
)

func TestInitOptionsFromConfig(t *testing.T) {
	conf, err := config.ParseConfigBytes([]byte(`
node:
  name: talker
  namespace: /demo
  anonymous: true
  master_uri: http://master:11311/
  master_retry_timeout: 0s
  callback_threads: 4
  listen: 127.0.0.1:0
`))
	require.NoError(t, err)

	opts, err := InitOptionsFromConfig(conf.Node)
	require.NoError(t, err)
	assert.Equal(t, "/demo", opts.Namespace)
	assert.Equal(t, "http://master:11311/", opts.MasterURI)
	assert.True(t, opts.AnonymousName)
	assert.True(t, opts.WaitForMaster)
	assert.Equal(t, 4, opts.CallbackThreads)
	assert.Equal(t, "127.0.0.1:0", opts.Listen)
	assert.Equal(t, ":0", opts.RPCListen)
	assert.Equal(t, 10*time.Millisecond, opts.WallDuration)
}

func TestInitOptionsFromConfigBoundedRetry(t *testing.T) {
	conf, err := config.ParseConfigBytes([]byte(`
node:
  name: talker
  master_retry_timeout: 30s
`))
	require.NoError(t, err)

	opts, err := InitOptionsFromConfig(conf.Node)
	require.NoError(t, err)
	assert.False(t, opts.WaitForMaster)
	assert.Equal(t, 30*time.Second, opts.MasterRetryTimeout)
}

func TestPrometheusJobServesMetrics(t *testing.T) {
	_, err := newPrometheusJobFromConfig(&config.PrometheusMonitoring{Listen: "nonsense"})
	require.Error(t, err)

	job, err := newPrometheusJobFromConfig(&config.PrometheusMonitoring{Listen: "127.0.0.1:0"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ctx = logging.WithLogger(ctx, logger.NewTestLogger(t))
	done := make(chan struct{})
	go func() {
		defer close(done)
		job.Run(ctx)
	}()

	addr := <-job.addr
	res, err := http.Get("http://" + addr.String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("prometheus job did not exit")
	}
}
