// Package elm327 drives an ELM327-compatible OBD-II adapter: the AT handshake
// and a non-blocking request/response cycle stepped from a polling loop.
package elm327

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fisaks/obdgw/internal/transport"
)

var ErrNotConnected = errors.New("adapter not connected")

const (
	prompt = '>'

	// DefaultResponseTimeout bounds a single request, prompt included.
	DefaultResponseTimeout = time.Second
	resetTimeout           = 3 * time.Second
	maxResponse            = 512
)

type Options struct {
	// Protocol is the ATSP code; "0" lets the adapter search.
	Protocol            string
	SpecifyNumResponses bool
	ResponseTimeout     time.Duration
}

// Response is the decoded outcome of a completed request.
type Response struct {
	Command string
	Status  Status
	Raw     string // response text without prompt, echo or SEARCHING lines
	Data    []byte // payload bytes after the mode/PID header, PID requests only
}

// Client steps one request at a time. It is not safe for concurrent Poll calls;
// Reset may be called from any goroutine.
type Client struct {
	t    transport.Transport
	opts Options
	now  func() time.Time

	mu      sync.Mutex
	pending string
	sentAt  time.Time
	timeout time.Duration
	rx      []byte
	buf     []byte
}

func New(t transport.Transport, opts Options) *Client {
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}
	if opts.Protocol == "" {
		opts.Protocol = "0"
	}
	return &Client{t: t, opts: opts, now: time.Now, buf: make([]byte, 128)}
}

func (c *Client) Options() Options { return c.opts }

// Reset drops any in-flight request.
func (c *Client) Reset() {
	c.mu.Lock()
	c.pending = ""
	c.rx = c.rx[:0]
	c.mu.Unlock()
}

// Pending returns the command awaiting a response, if any.
func (c *Client) Pending() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Poll advances cmd by one step. The first call sends it and returns
// StatusGettingMsg; later calls read what arrived, waiting at most one transport
// read timeout. A non-nil error means the transport failed and the session
// should be considered lost.
func (c *Client) Poll(cmd string) (Response, error) {
	return c.poll(cmd, c.opts.ResponseTimeout)
}

func (c *Client) poll(cmd string, timeout time.Duration) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.t.IsOpen() {
		c.pending = ""
		return Response{Command: cmd, Status: StatusNoResponse}, ErrNotConnected
	}

	if c.pending != cmd {
		// a different command abandons the previous one
		c.pending = ""
		c.rx = c.rx[:0]
		if _, err := c.t.Write([]byte(cmd + "\r")); err != nil {
			return Response{Command: cmd, Status: StatusGeneralError}, fmt.Errorf("write %s: %w", cmd, err)
		}
		c.pending = cmd
		c.sentAt = c.now()
		c.timeout = timeout
		return Response{Command: cmd, Status: StatusGettingMsg}, nil
	}

	n, err := c.t.Read(c.buf)
	if err != nil {
		c.pending = ""
		return Response{Command: cmd, Status: StatusGeneralError}, fmt.Errorf("read %s: %w", cmd, err)
	}
	c.rx = append(c.rx, c.buf[:n]...)

	if i := strings.IndexByte(string(c.rx), prompt); i >= 0 {
		raw := string(c.rx[:i])
		c.pending = ""
		c.rx = c.rx[:0]
		return parseResponse(cmd, raw), nil
	}
	if len(c.rx) > maxResponse {
		c.pending = ""
		c.rx = c.rx[:0]
		return Response{Command: cmd, Status: StatusBufferOverflow}, nil
	}
	if c.now().Sub(c.sentAt) >= c.timeout {
		c.pending = ""
		raw := string(c.rx)
		c.rx = c.rx[:0]
		if strings.TrimSpace(raw) == "" {
			return Response{Command: cmd, Status: StatusNoResponse}, nil
		}
		return Response{Command: cmd, Status: StatusTimeout, Raw: cleanLines(raw)}, nil
	}
	return Response{Command: cmd, Status: StatusGettingMsg}, nil
}

// Command runs cmd to completion, stepping Poll until it finishes or ctx ends.
func (c *Client) Command(ctx context.Context, cmd string) (Response, error) {
	return c.command(ctx, cmd, c.opts.ResponseTimeout)
}

func (c *Client) command(ctx context.Context, cmd string, timeout time.Duration) (Response, error) {
	for {
		if err := ctx.Err(); err != nil {
			c.Reset()
			return Response{Command: cmd, Status: StatusStopped}, err
		}
		resp, err := c.poll(cmd, timeout)
		if err != nil {
			return resp, err
		}
		if resp.Status != StatusGettingMsg {
			return resp, nil
		}
	}
}

// Init runs the adapter handshake: reset, echo/linefeed/space/header off, then
// select the protocol.
func (c *Client) Init(ctx context.Context) error {
	c.Reset()
	resp, err := c.command(ctx, "ATZ", resetTimeout)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if resp.Status != StatusSuccess || !strings.Contains(strings.ToUpper(resp.Raw), "ELM") {
		return &StatusError{Command: "ATZ", Status: resp.Status, Raw: resp.Raw}
	}
	for _, cmd := range []string{"ATE0", "ATL0", "ATS0", "ATH0", "ATSP" + c.opts.Protocol} {
		resp, err := c.Command(ctx, cmd)
		if err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
		if resp.Status != StatusSuccess || !strings.Contains(resp.Raw, "OK") {
			return &StatusError{Command: cmd, Status: resp.Status, Raw: resp.Raw}
		}
	}
	return nil
}

// DescribeProtocol asks the adapter for the active protocol number (ATDPN).
func (c *Client) DescribeProtocol(ctx context.Context) (int, error) {
	resp, err := c.Command(ctx, "ATDPN")
	if err != nil {
		return 0, err
	}
	if resp.Status != StatusSuccess {
		return 0, &StatusError{Command: "ATDPN", Status: resp.Status, Raw: resp.Raw}
	}
	// "A6" means automatic, currently protocol 6
	s := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(resp.Raw)), "A")
	n, err := strconv.ParseInt(s, 16, 8)
	if err != nil {
		return 0, &StatusError{Command: "ATDPN", Status: StatusGarbage, Raw: resp.Raw}
	}
	return int(n), nil
}

// PIDCommand builds the request for mode/pid, appending the expected response
// count when SpecifyNumResponses is set.
func (c *Client) PIDCommand(mode, pid byte, numResponses int) string {
	cmd := fmt.Sprintf("%02X%02X", mode, pid)
	if c.opts.SpecifyNumResponses && numResponses > 0 && numResponses < 16 {
		cmd += strconv.FormatInt(int64(numResponses), 16)
	}
	return strings.ToUpper(cmd)
}
