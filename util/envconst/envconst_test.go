package envconst_test

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roscomm/roscomm/util/envconst"
)

type transportHint struct{ string }

var (
	hintTCP = transportHint{"tcp"}
	hintUDP = transportHint{"udp"}
)

func (m transportHint) String() string { return m.string }
func (m *transportHint) Set(s string) error {
	switch s {
	case hintTCP.String():
		*m = hintTCP
	case hintUDP.String():
		*m = hintUDP
	default:
		return fmt.Errorf("unknown transport hint %q", s)
	}
	return nil
}

func TestVar(t *testing.T) {
	const name = "ROSCOMM_ENVCONST_UNIT_TEST_VAR"
	_, set := os.LookupEnv(name)
	require.False(t, set)
	defer os.Unsetenv(name)

	val := envconst.Var(name, &hintTCP)
	if &hintTCP != val {
		t.Errorf("default value should be same address")
	}

	require.NoError(t, os.Setenv(name, "udp"))
	val = envconst.Var(name, &hintTCP)
	require.Equal(t, &hintUDP, val)
}

func TestDurationIsCached(t *testing.T) {
	const name = "ROSCOMM_ENVCONST_UNIT_TEST_DURATION"
	defer os.Unsetenv(name)

	assert.Equal(t, 3*time.Second, envconst.Duration(name, 3*time.Second))

	require.NoError(t, os.Setenv(name, "250ms"))
	assert.Equal(t, 250*time.Millisecond, envconst.Duration(name, 3*time.Second))

	require.NoError(t, os.Setenv(name, "1h"))
	assert.Equal(t, 250*time.Millisecond, envconst.Duration(name, 3*time.Second), "first parsed value wins")
}

func TestMalformedPanics(t *testing.T) {
	const name = "ROSCOMM_ENVCONST_UNIT_TEST_UINT"
	defer os.Unsetenv(name)
	require.NoError(t, os.Setenv(name, "-1"))
	assert.Panics(t, func() { envconst.Uint32(name, 4096) })
}
