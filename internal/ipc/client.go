package ipc

import (
	"fmt"
	"net"
	"time"
)

// Client issues single-shot requests against the daemon socket. Each call
// dials, sends one request, reads one response, and closes, matching the
// one-request-per-connection contract.
type Client struct {
	socketPath string
	timeout    time.Duration
	encoding   Encoding
}

// NewClient creates a client for a socket path.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    5 * time.Second,
		encoding:   EncodingMsgpack,
	}
}

// WithTimeout sets the per-call timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

// WithEncoding selects the payload encoding.
func (c *Client) WithEncoding(enc Encoding) *Client {
	c.encoding = enc
	return c
}

// SocketPath returns the socket this client dials.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// Call performs one request/response round trip.
func (c *Client) Call(req Request) (Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return Response{}, fmt.Errorf("connecting to daemon: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.timeout))

	payload, err := EncodeRequest(req, c.encoding)
	if err != nil {
		return Response{}, fmt.Errorf("encoding request: %w", err)
	}
	if err := WriteFrame(conn, payload); err != nil {
		return Response{}, fmt.Errorf("sending request: %w", err)
	}

	respPayload, err := ReadFrame(conn)
	if err != nil {
		return Response{}, fmt.Errorf("reading response: %w", err)
	}
	return DecodeResponse(respPayload)
}
