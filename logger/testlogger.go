package logger

import (
	"sync"
	"testing"
)

type testLogger struct {
	Logger
}

type testingLoggerOutlet struct {
	t    testing.TB
	mtx  sync.Mutex
	done bool
}

func (o *testingLoggerOutlet) WriteEntry(entry Entry) error {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	// goroutines of the code under test may outlive the test
	if o.done {
		return nil
	}
	o.t.Logf("[%s] %s %v", entry.Level.Short(), entry.Message, entry.Fields)
	return nil
}

var _ Logger = testLogger{}

// NewTestLogger returns a Logger that writes every entry through t.Logf
// until the test completes.
func NewTestLogger(t testing.TB) Logger {
	o := &testingLoggerOutlet{t: t}
	t.Cleanup(func() {
		o.mtx.Lock()
		defer o.mtx.Unlock()
		o.done = true
	})
	outlets := NewOutlets()
	outlets.Add(o, Debug)
	return &testLogger{
		Logger: NewLogger(outlets, 0),
	}
}
