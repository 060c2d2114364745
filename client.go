package taskfarm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Client is a worker connection to a Server. A client follows a strict
// request/response exchange and is meant to be driven by one goroutine.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	logger *slog.Logger

	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient connects to a server listening on host:port over TCP.
func NewClient(host string, port int, opts ...ClientOption) (*Client, error) {
	return Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)), opts...)
}

// Dial connects to a server. network should be "tcp" or "unix".
func Dial(network, addr string, opts ...ClientOption) (*Client, error) {
	config := ClientConfig{Logger: slog.Default()}
	for _, opt := range opts {
		opt(&config)
	}

	conn, err := net.DialTimeout(network, addr, config.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s %s: %w", network, addr, err)
	}
	config.Logger.Info("Connected to server", "network", network, "remote_addr", conn.RemoteAddr().String())

	return &Client{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		logger: config.Logger,
	}, nil
}

// ReceiveInit waits for the INIT command the server sends right after accepting the
// connection and returns its initializer. It must be the first call after connecting,
// and only when the server is configured with an initializer.
func (c *Client) ReceiveInit(ctx context.Context) (Initializer, error) {
	cmd, err := c.receive(ctx)
	if err != nil {
		return nil, err
	}
	if cmd.Type() != CommandInit {
		return nil, &ProtocolError{Expected: CommandInit, Got: cmd.Type()}
	}
	initializer, ok := cmd.Payload().(Initializer)
	if !ok {
		return nil, &ProtocolError{
			Expected: CommandInit,
			Got:      cmd.Type(),
			Message:  fmt.Sprintf("payload %T is not an Initializer", cmd.Payload()),
		}
	}
	c.logger.Debug("Received init command", "command", cmd.ID())
	return initializer, nil
}

// RequestCommand sends REQUEST_TASK and blocks until the server answers.
// The reply is usually TASK or DISCONNECT; dispatching on it is up to the caller.
// If ctx is cancelled while waiting the connection is unusable and must be closed.
func (c *Client) RequestCommand(ctx context.Context) (*Command, error) {
	request := NewRequestCommand()
	c.logger.Debug("Request command", "command", request.ID())
	if err := c.SendCommand(request); err != nil {
		return nil, err
	}

	cmd, err := c.receive(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Received command", "command", cmd.String())
	return cmd, nil
}

// ReceiveCommand blocks for the next command from the server without sending anything,
// e.g. the reply to a CUSTOM command.
func (c *Client) ReceiveCommand(ctx context.Context) (*Command, error) {
	cmd, err := c.receive(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Received command", "command", cmd.String())
	return cmd, nil
}

// SendCommand sends a command without waiting for a reply.
func (c *Client) SendCommand(cmd *Command) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.logger.Debug("Send command", "command", cmd.String())
	return Send(c.writer, cmd)
}

// SendResult reports the result of the task received last.
func (c *Client) SendResult(result any) error {
	return c.SendCommand(NewResultCommand(result))
}

// Disconnect tells the server the worker is leaving and closes the connection.
func (c *Client) Disconnect() error {
	disconnect := NewDisconnectCommand()
	c.logger.Debug("Send disconnect command", "command", disconnect.ID())
	sendErr := c.SendCommand(disconnect)
	return errors.Join(sendErr, c.Close())
}

// Close closes the connection without notifying the server.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	c.logger.Debug("Connection closed", "remote_addr", c.conn.RemoteAddr().String())
	return nil
}

// IsConnected reports whether the client has not been closed locally.
// It says nothing about whether the server is still there.
func (c *Client) IsConnected() bool {
	return !c.closed.Load()
}

// Serve requests tasks, runs fn on each and reports the results until the server sends
// DISCONNECT, in which case it returns nil. When ctx is done between tasks the client
// disconnects and returns ctx.Err(). A failing or panicking fn closes the connection
// without a result so the server hands the task to another worker.
func (c *Client) Serve(ctx context.Context, fn TaskFunc) error {
	for {
		if err := ctx.Err(); err != nil {
			_ = c.Disconnect()
			return err
		}

		cmd, err := c.RequestCommand(ctx)
		if err != nil {
			_ = c.Close()
			return err
		}

		switch cmd.Type() {
		case CommandTask:
			result, err := c.runTask(ctx, fn, cmd.Payload())
			if err != nil {
				_ = c.Close()
				return fmt.Errorf("task from %s failed: %w", cmd, err)
			}
			if err := c.SendResult(result); err != nil {
				_ = c.Close()
				return err
			}
		case CommandDisconnect:
			c.logger.Info("Server requested disconnect")
			return c.Close()
		default:
			_ = c.Close()
			return &ProtocolError{Expected: CommandTask, Got: cmd.Type()}
		}
	}
}

// runTask calls fn and recovers from a panic.
func (c *Client) runTask(ctx context.Context, fn TaskFunc, task any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError{Value: r}
			c.logger.Error("Task panicked during execution", "panic", r)
		}
	}()
	return fn(ctx, task)
}

// receive reads one command; cancelling ctx interrupts the read.
func (c *Client) receive(ctx context.Context) (*Command, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	cmd, err := Receive(c.reader)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("receive interrupted: %w", ctxErr)
		}
		return nil, err
	}
	return cmd, nil
}
