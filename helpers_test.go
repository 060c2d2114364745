package taskfarm

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testTask struct {
	TaskBase
	Input int `json:"input"`
}

type testResult struct {
	TaskID uint64 `json:"task_id"`
	Output int    `json:"output"`
}

func (r *testResult) Description() string {
	return "test result"
}

// testInit carries a slice so tests can check that each session gets its own copy.
type testInit struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

func (i *testInit) Copy() Initializer {
	c := &testInit{Name: i.Name}
	c.Values = append([]string(nil), i.Values...)
	return c
}

type testCustom struct {
	Text string `json:"text"`
}

func init() {
	RegisterPayloadType("taskfarm.testTask", func() any { return &testTask{} })
	RegisterPayloadType("taskfarm.testResult", func() any { return &testResult{} })
	RegisterPayloadType("taskfarm.testInit", func() any { return &testInit{} })
	RegisterPayloadType("taskfarm.testCustom", func() any { return testCustom{} })
}

func newTestTask(input int) *testTask {
	return &testTask{TaskBase: NewTaskBase(), Input: input}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startTestServer starts a server on a random loopback port and closes it with the test.
func startTestServer(t *testing.T, opts ...Option) *Server[*testTask, *testResult] {
	t.Helper()
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	server, err := Listen[*testTask, *testResult]("tcp", "127.0.0.1:0", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })
	server.Start()
	return server
}

func dialTestClient(t *testing.T, addr net.Addr) *Client {
	t.Helper()
	client, err := Dial(addr.Network(), addr.String(), WithClientLogger(discardLogger()), WithDialTimeout(time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func tempSocket(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "taskfarm.sock")
}

// squareFunc is the TaskFunc used by the end-to-end tests.
func squareFunc(_ context.Context, task any) (any, error) {
	tt := task.(*testTask)
	return &testResult{TaskID: tt.TaskID(), Output: tt.Input * tt.Input}, nil
}
