package taskfarm

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestListen(t *testing.T) {
	t.Run("tcp", func(t *testing.T) {
		server := startTestServer(t)
		assert.Equal(t, "tcp", server.Addr().Network())
		assert.Equal(t, 0, server.GetCurrentClientCount())
	})

	t.Run("port already bound", func(t *testing.T) {
		server := startTestServer(t)
		_, err := Listen[*testTask, *testResult]("tcp", server.Addr().String(), WithLogger(discardLogger()))
		assert.Error(t, err)
	})

	t.Run("unsupported network", func(t *testing.T) {
		_, err := Listen[*testTask, *testResult]("udp", "127.0.0.1:0")
		assert.EqualError(t, err, "unsupported network type: udp")
	})

	t.Run("unix replaces stale socket file", func(t *testing.T) {
		path := tempSocket(t)
		require.NoError(t, os.WriteFile(path, nil, 0o600))

		server, err := Listen[*testTask, *testResult]("unix", path, WithLogger(discardLogger()))
		require.NoError(t, err)
		t.Cleanup(func() { _ = server.Close() })
		server.Start()

		client := dialTestClient(t, server.Addr())
		require.NoError(t, server.AddTask(newTestTask(1)))
		cmd, err := client.RequestCommand(testContext(t))
		require.NoError(t, err)
		assert.Equal(t, CommandTask, cmd.Type())
	})
}

func TestNewServerPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	server, err := NewServer[*testTask, *testResult](port, WithLogger(discardLogger()))
	require.NoError(t, err)
	defer server.Close()
	server.Start()

	client, err := NewClient("127.0.0.1", port, WithClientLogger(discardLogger()))
	require.NoError(t, err)
	defer client.Close()
	assert.Eventually(t, func() bool { return server.GetCurrentClientCount() == 1 }, time.Second, 5*time.Millisecond)
}

// A request made before any task exists blocks until one is added.
func TestRequestBlocksUntilTaskAdded(t *testing.T) {
	server := startTestServer(t)
	client := dialTestClient(t, server.Addr())

	type reply struct {
		cmd *Command
		err error
	}
	replies := make(chan reply, 1)
	go func() {
		cmd, err := client.RequestCommand(testContext(t))
		replies <- reply{cmd, err}
	}()

	select {
	case r := <-replies:
		t.Fatalf("request returned before a task was added: %v %v", r.cmd, r.err)
	case <-time.After(100 * time.Millisecond):
	}

	task := newTestTask(1)
	require.NoError(t, server.AddTask(task))

	select {
	case r := <-replies:
		require.NoError(t, r.err)
		require.Equal(t, CommandTask, r.cmd.Type())
		got, err := PayloadAs[*testTask](r.cmd)
		require.NoError(t, err)
		assert.Equal(t, task.TaskID(), got.TaskID())
	case <-time.After(2 * time.Second):
		t.Fatal("task was not delivered")
	}
}

// Every session receives its own copy of the initializer.
func TestInitializerCopies(t *testing.T) {
	original := &testInit{Name: "cfg", Values: []string{"a", "b"}}
	server := startTestServer(t, WithInitializer(original))
	ctx := testContext(t)

	first := dialTestClient(t, server.Addr())
	second := dialTestClient(t, server.Addr())

	init1, err := first.ReceiveInit(ctx)
	require.NoError(t, err)
	init2, err := second.ReceiveInit(ctx)
	require.NoError(t, err)

	assert.Equal(t, original, init1)
	assert.Equal(t, original, init2)

	init1.(*testInit).Values[0] = "changed"
	assert.Equal(t, "a", init2.(*testInit).Values[0])
	assert.Equal(t, "a", original.Values[0])
}

// A task held by a vanished worker goes to the next worker.
func TestVanishedWorkerTaskIsRequeued(t *testing.T) {
	server := startTestServer(t)
	ctx := testContext(t)
	task := newTestTask(1)
	require.NoError(t, server.AddTask(task))

	first := dialTestClient(t, server.Addr())
	cmd, err := first.RequestCommand(ctx)
	require.NoError(t, err)
	require.Equal(t, CommandTask, cmd.Type())
	require.NoError(t, first.Close())

	second := dialTestClient(t, server.Addr())
	cmd, err = second.RequestCommand(ctx)
	require.NoError(t, err)
	got, err := PayloadAs[*testTask](cmd)
	require.NoError(t, err)
	assert.Equal(t, task.TaskID(), got.TaskID())

	assert.Eventually(t, func() bool { return server.GetMetrics().TasksRequeued == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, server.AllTasksFinished())
}

// A result for a task handed out before ResetQueue is discarded.
func TestResetDiscardsInFlightResult(t *testing.T) {
	server := startTestServer(t)
	ctx := testContext(t)
	stale := newTestTask(1)
	require.NoError(t, server.AddTask(stale))

	client := dialTestClient(t, server.Addr())
	_, err := client.RequestCommand(ctx)
	require.NoError(t, err)

	server.ResetQueue()
	require.NoError(t, client.SendResult(&testResult{TaskID: stale.TaskID(), Output: 1}))
	require.Eventually(t, func() bool { return server.GetMetrics().ResultsRejected == 1 }, time.Second, 5*time.Millisecond)

	assert.Empty(t, server.GetResults())
	assert.True(t, server.AllTasksFinished())
	assert.Equal(t, -1.0, server.GetProgress())

	fresh := newTestTask(2)
	require.NoError(t, server.AddTask(fresh))
	cmd, err := client.RequestCommand(ctx)
	require.NoError(t, err)
	got, err := PayloadAs[*testTask](cmd)
	require.NoError(t, err)
	require.Equal(t, fresh.TaskID(), got.TaskID())

	require.NoError(t, client.SendResult(&testResult{TaskID: fresh.TaskID(), Output: 4}))
	require.Eventually(t, server.AllTasksFinished, time.Second, 5*time.Millisecond)
	results := server.GetResults()
	require.Len(t, results, 1)
	assert.Equal(t, fresh.TaskID(), results[0].TaskID)
}

func TestRequestResendsHeldTask(t *testing.T) {
	server := startTestServer(t)
	ctx := testContext(t)
	require.NoError(t, server.AddTask(newTestTask(1)))
	require.NoError(t, server.AddTask(newTestTask(2)))

	client := dialTestClient(t, server.Addr())
	first, err := client.RequestCommand(ctx)
	require.NoError(t, err)
	again, err := client.RequestCommand(ctx)
	require.NoError(t, err)

	a, _ := PayloadAs[*testTask](first)
	b, _ := PayloadAs[*testTask](again)
	assert.Equal(t, a.TaskID(), b.TaskID(), "a session holds one task until it reports a result")
	assert.Equal(t, QueueStats{Available: 1, Running: 1}, server.queue.Stats())
}

func TestResultWithoutTaskIsIgnored(t *testing.T) {
	server := startTestServer(t)
	ctx := testContext(t)
	client := dialTestClient(t, server.Addr())

	require.NoError(t, client.SendResult(&testResult{Output: 1}))
	require.Eventually(t, func() bool { return server.GetMetrics().ResultsRejected == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, server.GetResults())

	require.NoError(t, server.AddTask(newTestTask(1)))
	cmd, err := client.RequestCommand(ctx)
	require.NoError(t, err, "the session stays open")
	assert.Equal(t, CommandTask, cmd.Type())
}

func TestProtocolViolationsCloseSession(t *testing.T) {
	tests := []struct {
		name string
		cmd  func() *Command
	}{
		{name: "init from worker", cmd: func() *Command { return NewInitCommand(&testInit{}) }},
		{name: "task from worker", cmd: func() *Command { return NewTaskCommand(newTestTask(1)) }},
		{name: "result of wrong type", cmd: func() *Command { return NewResultCommand(testCustom{Text: "x"}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := startTestServer(t)
			client := dialTestClient(t, server.Addr())
			require.Eventually(t, func() bool { return server.GetCurrentClientCount() == 1 }, time.Second, 5*time.Millisecond)

			require.NoError(t, client.SendCommand(tt.cmd()))
			assert.Eventually(t, func() bool { return server.GetCurrentClientCount() == 0 }, time.Second, 5*time.Millisecond)

			_, err := client.ReceiveCommand(testContext(t))
			assert.True(t, IsConnectionLost(err), "got %v", err)
		})
	}
}

func TestWorkerDisconnect(t *testing.T) {
	server := startTestServer(t)
	require.NoError(t, server.AddTask(newTestTask(1)))
	client := dialTestClient(t, server.Addr())
	_, err := client.RequestCommand(testContext(t))
	require.NoError(t, err)

	require.NoError(t, client.Disconnect())
	assert.False(t, client.IsConnected())
	assert.Eventually(t, func() bool { return server.GetCurrentClientCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, QueueStats{Available: 1}, server.queue.Stats(), "the held task returns to the pool")
}

func TestCustomCommands(t *testing.T) {
	t.Run("reply", func(t *testing.T) {
		handler := CustomCommandHandlerFunc(func(_ context.Context, cmd *Command) (*Command, error) {
			in, err := PayloadAs[testCustom](cmd)
			if err != nil {
				return nil, err
			}
			return NewCustomCommand(testCustom{Text: strings.ToUpper(in.Text)}), nil
		})
		server := startTestServer(t, WithCustomHandler(handler))
		client := dialTestClient(t, server.Addr())

		require.NoError(t, client.SendCommand(NewCustomCommand(testCustom{Text: "ping"})))
		reply, err := client.ReceiveCommand(testContext(t))
		require.NoError(t, err)
		require.Equal(t, CommandCustom, reply.Type())
		out, err := PayloadAs[testCustom](reply)
		require.NoError(t, err)
		assert.Equal(t, "PING", out.Text)
	})

	t.Run("no reply", func(t *testing.T) {
		var calls atomic.Int32
		handler := CustomCommandHandlerFunc(func(context.Context, *Command) (*Command, error) {
			calls.Add(1)
			return nil, nil
		})
		server := startTestServer(t, WithCustomHandler(handler))
		client := dialTestClient(t, server.Addr())

		require.NoError(t, client.SendCommand(NewCustomCommand(testCustom{})))
		require.NoError(t, server.AddTask(newTestTask(1)))
		cmd, err := client.RequestCommand(testContext(t))
		require.NoError(t, err)
		assert.Equal(t, CommandTask, cmd.Type(), "the next command read is the task, not a reply")
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("no handler configured", func(t *testing.T) {
		server := startTestServer(t)
		client := dialTestClient(t, server.Addr())

		require.NoError(t, client.SendCommand(NewCustomCommand(testCustom{})))
		require.NoError(t, server.AddTask(newTestTask(1)))
		cmd, err := client.RequestCommand(testContext(t))
		require.NoError(t, err)
		assert.Equal(t, CommandTask, cmd.Type())
	})

	failing := map[string]CustomCommandHandlerFunc{
		"handler error": func(context.Context, *Command) (*Command, error) {
			return nil, errors.New("boom")
		},
		"handler panic": func(context.Context, *Command) (*Command, error) {
			panic("boom")
		},
	}
	for name, handler := range failing {
		t.Run(name, func(t *testing.T) {
			server := startTestServer(t, WithCustomHandler(handler))
			other := dialTestClient(t, server.Addr())
			client := dialTestClient(t, server.Addr())
			require.Eventually(t, func() bool { return server.GetCurrentClientCount() == 2 }, time.Second, 5*time.Millisecond)

			require.NoError(t, client.SendCommand(NewCustomCommand(testCustom{})))
			_, err := client.ReceiveCommand(testContext(t))
			assert.True(t, IsConnectionLost(err), "got %v", err)
			assert.Eventually(t, func() bool { return server.GetCurrentClientCount() == 1 }, time.Second, 5*time.Millisecond)

			require.NoError(t, server.AddTask(newTestTask(1)))
			cmd, err := other.RequestCommand(testContext(t))
			require.NoError(t, err, "other sessions are unaffected")
			assert.Equal(t, CommandTask, cmd.Type())
		})
	}
}

func TestServeManyWorkers(t *testing.T) {
	server := startTestServer(t)
	ctx := testContext(t)

	const tasks = 50
	for i := range tasks {
		require.NoError(t, server.AddTask(newTestTask(i)))
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for range 4 {
		client := dialTestClient(t, server.Addr())
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- client.Serve(ctx, squareFunc)
		}()
	}

	require.Eventually(t, server.AllTasksFinished, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, server.GetProgress())

	results := server.GetResults()
	require.Len(t, results, tasks)
	outputs := make(map[int]bool)
	for _, r := range results {
		outputs[r.Output] = true
	}
	for i := range tasks {
		assert.True(t, outputs[i*i], "missing result %d", i*i)
	}

	metrics := server.GetMetrics()
	assert.EqualValues(t, tasks, metrics.TasksFinished)
	assert.EqualValues(t, tasks, metrics.TasksDispatched)
	assert.Eventually(t, func() bool { return server.GetMetrics().SessionsActive == 4 }, time.Second, 5*time.Millisecond)

	require.NoError(t, server.Close())
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err, "workers return nil after DISCONNECT")
	}
}

func TestAddTaskDuplicate(t *testing.T) {
	server := startTestServer(t)
	task := newTestTask(1)
	require.NoError(t, server.AddTask(task))
	assert.ErrorIs(t, server.AddTask(task), ErrDuplicateTask)
}

func TestClose(t *testing.T) {
	t.Run("disconnects every worker", func(t *testing.T) {
		server := startTestServer(t)
		ctx := testContext(t)

		serveErrs := make(chan error, 2)
		for range 2 {
			client := dialTestClient(t, server.Addr())
			go func() { serveErrs <- client.Serve(ctx, squareFunc) }()
		}
		require.Eventually(t, func() bool { return server.GetCurrentClientCount() == 2 }, time.Second, 5*time.Millisecond)
		// Let both workers park in a task request.
		time.Sleep(50 * time.Millisecond)

		require.NoError(t, server.Close())
		assert.Equal(t, 0, server.GetCurrentClientCount())
		for range 2 {
			select {
			case err := <-serveErrs:
				assert.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("worker did not observe DISCONNECT")
			}
		}

		_, err := Dial("tcp", server.Addr().String(), WithDialTimeout(200*time.Millisecond))
		assert.Error(t, err, "the listener is closed")
	})

	t.Run("idempotent", func(t *testing.T) {
		server := startTestServer(t)
		require.NoError(t, server.Close())
		require.NoError(t, server.Close())
		assert.ErrorIs(t, server.AddProducer(&countingProducer{}), ErrServerClosed)
	})

	t.Run("without start", func(t *testing.T) {
		server, err := Listen[*testTask, *testResult]("tcp", "127.0.0.1:0", WithLogger(discardLogger()))
		require.NoError(t, err)
		require.NoError(t, server.Close())
		server.Start()
		_, err = Dial("tcp", server.Addr().String(), WithDialTimeout(200*time.Millisecond))
		assert.Error(t, err)
	})

	t.Run("waits for stuck sessions", func(t *testing.T) {
		release := make(chan struct{})
		var finished atomic.Bool
		handler := CustomCommandHandlerFunc(func(context.Context, *Command) (*Command, error) {
			<-release
			finished.Store(true)
			return nil, nil
		})
		server := startTestServer(t, WithCustomHandler(handler), WithShutdownGrace(20*time.Millisecond))
		client := dialTestClient(t, server.Addr())
		require.NoError(t, client.SendCommand(NewCustomCommand(testCustom{})))
		require.Eventually(t, func() bool { return server.GetCurrentClientCount() == 1 }, time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)

		time.AfterFunc(100*time.Millisecond, func() { close(release) })
		require.NoError(t, server.Close())
		assert.True(t, finished.Load(), "Close returns only after every session goroutine ended")
		assert.Equal(t, 0, server.GetCurrentClientCount())
	})

	t.Run("requeues held tasks", func(t *testing.T) {
		server := startTestServer(t)
		require.NoError(t, server.AddTask(newTestTask(1)))
		client := dialTestClient(t, server.Addr())
		_, err := client.RequestCommand(testContext(t))
		require.NoError(t, err)

		require.NoError(t, server.Close())
		assert.Equal(t, QueueStats{Available: 1}, server.queue.Stats())
	})
}
