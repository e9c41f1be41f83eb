// Package qmp implements a client for the QEMU Machine Protocol: a
// newline-delimited JSON request/response channel over a Unix stream
// socket, with optional SCM_RIGHTS fd-passing and asynchronous event
// demultiplexing.
//
// digitalocean/go-qemu's qmp.SocketMonitor has no fd-passing primitive,
// so Client speaks the wire protocol directly over a net.UnixConn
// instead of wrapping SocketMonitor.
package qmp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const connectTimeout = 1 * time.Second

// pendingCall is a caller awaiting the next response in FIFO order.
type pendingCall struct {
	id     string
	result chan Response
}

// Client is a connected QMP session. One Client corresponds to one QEMU
// monitor socket; it is not safe to share across VMs.
type Client struct {
	conn *net.UnixConn
	w    *bufio.Writer

	writeMu sync.Mutex // serializes "write-then-enqueue"

	pendingMu sync.Mutex
	pending   []*pendingCall // FIFO queue of outstanding requests

	onEvent EventHandler

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// Dial connects to the QMP Unix socket at path, reads the greeting, and
// completes the qmp_capabilities handshake. onEvent may be nil.
func Dial(path string, onEvent EventHandler) (*Client, error) {
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("qmp: resolve socket path: %w", err)
	}

	d := net.Dialer{Timeout: connectTimeout}
	rawConn, err := d.Dial("unix", addr.String())
	if err != nil {
		return nil, fmt.Errorf("qmp: dial: %w", err)
	}
	conn, ok := rawConn.(*net.UnixConn)
	if !ok {
		rawConn.Close()
		return nil, fmt.Errorf("qmp: dialed connection is not a unix socket")
	}

	c := &Client{
		conn:    conn,
		w:       bufio.NewWriter(conn),
		onEvent: onEvent,
		closed:  make(chan struct{}),
	}

	reader := bufio.NewReader(conn)

	// Greeting is sent unprompted before any command; discard it but
	// validate it is well-formed JSON.
	greetingLine, err := reader.ReadBytes('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("qmp: read greeting: %w", err)
	}
	var greeting struct {
		QMP json.RawMessage `json:"QMP"`
	}
	if err := json.Unmarshal(greetingLine, &greeting); err != nil {
		conn.Close()
		return nil, fmt.Errorf("qmp: %w: invalid greeting: %v", ErrProtocol, err)
	}

	go c.readLoop(reader)

	if _, err := c.call(Command{Execute: "qmp_capabilities"}, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("qmp: capabilities handshake: %w", err)
	}

	return c, nil
}

// Call sends a command and waits for the matching response. If fatal is
// true, a QEMU-side error is returned as the error itself (an *Error);
// if false, the response (including any error) is returned to the
// caller so it can retry, per the blockdev-snapshot-sync fallback.
func (c *Client) Call(cmd Command, fatal bool) (Response, error) {
	resp, err := c.call(cmd, nil)
	if err != nil {
		return Response{}, err
	}
	if fatal && resp.Err != nil {
		return resp, resp.Err
	}
	return resp, nil
}

// CallFatal is Call with fatal=true, returning the QMP error directly.
func (c *Client) CallFatal(cmd Command) (json.RawMessage, error) {
	resp, err := c.call(cmd, nil)
	if err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return resp.Return, nil
}

// CallWithFd transmits cmd using SCM_RIGHTS ancillary data carrying fd, so
// cmd itself (a "getfd" command) can register it under a name that later
// commands reference. fd is closed exactly once: immediately after the
// write, regardless of outcome, or before returning if the call fails
// before the write.
func (c *Client) CallWithFd(cmd Command, fd int) (Response, error) {
	return c.call(cmd, &fd)
}

func (c *Client) call(cmd Command, fd *int) (Response, error) {
	// writeWithFd closes fd once the write is attempted; the early
	// returns below close it themselves.
	closeFd := func() {
		if fd != nil {
			unix.Close(*fd)
		}
	}
	select {
	case <-c.closed:
		closeFd()
		return Response{}, ErrDisconnected
	default:
	}

	// Every command carries a uuid in the wire-format "id" field; QEMU
	// echoes it in the response, where readLoop checks it against the
	// head of the FIFO to catch desync.
	id := uuid.New().String()
	pc := &pendingCall{id: id, result: make(chan Response, 1)}
	cmd.ID = id

	payload, err := json.Marshal(cmd)
	if err != nil {
		closeFd()
		return Response{}, fmt.Errorf("qmp: marshal command: %w", err)
	}
	payload = append(payload, '\n')

	// Serialize write-then-enqueue so responses are matched positionally
	// to the oldest outstanding request.
	c.writeMu.Lock()
	c.pendingMu.Lock()
	c.pending = append(c.pending, pc)
	c.pendingMu.Unlock()

	var writeErr error
	if fd != nil {
		writeErr = c.writeWithFd(payload, *fd)
	} else {
		writeErr = c.write(payload)
	}
	c.writeMu.Unlock()

	if writeErr != nil {
		c.removePending(pc)
		return Response{}, fmt.Errorf("qmp: write command: %w", writeErr)
	}

	select {
	case resp := <-pc.result:
		return resp, nil
	case <-c.closed:
		// The response may have been delivered in the same instant the
		// connection died; prefer it over the disconnect.
		select {
		case resp := <-pc.result:
			return resp, nil
		default:
		}
		return Response{}, ErrDisconnected
	}
}

func (c *Client) write(payload []byte) error {
	if _, err := c.conn.Write(payload); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

func (c *Client) removePending(pc *pendingCall) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for i, p := range c.pending {
		if p == pc {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// readLoop demultiplexes incoming lines: events are dispatched immediately
// and skipped when matching a pending response; a response is matched to
// the oldest outstanding request.
func (c *Client) readLoop(r *bufio.Reader) {
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			c.fail(err)
			return
		}
		if len(line) == 0 {
			continue
		}

		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			// A malformed line may have been a response; FIFO matching
			// cannot be trusted past it, so the connection is failed.
			c.fail(fmt.Errorf("%w: malformed message: %v", ErrProtocol, err))
			return
		}

		if msg.Event != "" {
			if c.onEvent != nil {
				c.onEvent(Event{Name: msg.Event, Data: msg.Data})
			}
			continue
		}

		// Anything else with neither Event nor Return/Error set is the
		// greeting, already consumed in Dial; ignore stragglers.
		if msg.Return == nil && msg.Error == nil {
			continue
		}

		resp := Response{Return: msg.Return}
		if msg.Error != nil {
			resp.Err = &Error{Class: msg.Error.Class, Desc: msg.Error.Desc}
		}

		c.pendingMu.Lock()
		if len(c.pending) == 0 {
			c.pendingMu.Unlock()
			continue // response with no outstanding request; discard
		}
		pc := c.pending[0]
		c.pending = c.pending[1:]
		c.pendingMu.Unlock()

		// QMP responses are strictly FIFO; an echoed id that doesn't
		// match the oldest outstanding request means the streams have
		// desynced and nothing after this point can be trusted.
		if msg.ID != "" && msg.ID != pc.id {
			c.fail(fmt.Errorf("%w: response id %q does not match oldest request %q", ErrProtocol, msg.ID, pc.id))
			return
		}

		pc.result <- resp
	}
}

// fail marks the client disconnected and fails every outstanding request
// with ErrDisconnected.
func (c *Client) fail(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		c.pendingMu.Lock()
		c.pending = nil
		c.pendingMu.Unlock()
		// Outstanding callers observe c.closed and return ErrDisconnected.
		close(c.closed)
	})
}

// Close closes the underlying socket and fails any outstanding calls.
func (c *Client) Close() error {
	c.fail(fmt.Errorf("qmp: closed"))
	return c.conn.Close()
}

// Done returns a channel closed once the client has disconnected.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}
