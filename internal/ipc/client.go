package ipc

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Client is a connection to the reviewd daemon. Requests are serialized;
// streamed events arriving between a request and its response are routed
// to the event callback, so one connection can both command and listen.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	nextID  atomic.Uint32
	onEvent func(*Event)
	timeout time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithEventHandler registers the callback for streamed region-change
// events. Subscribe must still be called to start the stream.
func WithEventHandler(fn func(*Event)) ClientOption {
	return func(c *Client) { c.onEvent = fn }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// Dial connects to the daemon socket.
func Dial(socketPath string, opts ...ClientOption) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w", socketPath, err)
	}

	c := &Client{
		conn:    conn,
		onEvent: func(*Event) {},
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// request sends a message and waits for the correlated response. Events
// interleaved into the stream are dispatched as they pass.
func (c *Client) request(msgType MessageType, payload any) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var raw []byte
	if payload != nil {
		var err error
		if raw, err = Encode(payload); err != nil {
			return nil, err
		}
	}

	id := c.nextID.Add(1)
	msg := NewMessage(msgType, id, raw)

	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := msg.Write(c.conn); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	deadline := time.Now().Add(c.timeout)
	for {
		c.conn.SetReadDeadline(deadline)
		resp, err := ReadMessage(c.conn)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		if resp.Header.Type == MsgEvent {
			c.dispatchEvent(resp)
			continue
		}
		if resp.Header.RequestID != id {
			continue
		}
		if resp.Header.Type == MsgError {
			var e ErrorResponse
			if err := Decode(resp.Payload, &e); err != nil {
				return nil, fmt.Errorf("daemon error (undecodable)")
			}
			return nil, fmt.Errorf("daemon error: %s", e.Message)
		}
		return resp, nil
	}
}

func (c *Client) dispatchEvent(msg *Message) {
	var ev Event
	if err := Decode(msg.Payload, &ev); err != nil {
		return
	}
	c.onEvent(&ev)
}

// Ping checks daemon liveness.
func (c *Client) Ping() error {
	_, err := c.request(MsgPing, nil)
	return err
}

// Status fetches daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	resp, err := c.request(MsgStatus, &StatusRequest{})
	if err != nil {
		return nil, err
	}
	var out StatusResponse
	if err := Decode(resp.Payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Regions fetches current regions for one document, or all flagged
// documents when path is empty.
func (c *Client) Regions(path string) (*RegionsResponse, error) {
	resp, err := c.request(MsgRegions, &RegionsRequest{Path: path})
	if err != nil {
		return nil, err
	}
	var out RegionsResponse
	if err := Decode(resp.Payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Dismiss clears the regions overlapping [startLine, endLine].
func (c *Client) Dismiss(path string, startLine, endLine int) error {
	_, err := c.request(MsgDismiss, &DismissRequest{Path: path, StartLine: startLine, EndLine: endLine})
	return err
}

// DismissAll clears every region of a document.
func (c *Client) DismissAll(path string) error {
	_, err := c.request(MsgDismiss, &DismissRequest{Path: path, All: true})
	return err
}

// History fetches recent detection events, newest first.
func (c *Client) History(path string, limit int) (*HistoryResponse, error) {
	resp, err := c.request(MsgHistory, &HistoryRequest{Path: path, Limit: limit})
	if err != nil {
		return nil, err
	}
	var out HistoryResponse
	if err := Decode(resp.Payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetConfig fetches the live detection thresholds.
func (c *Client) GetConfig() (*DetectionConfig, error) {
	resp, err := c.request(MsgGetConfig, nil)
	if err != nil {
		return nil, err
	}
	var out DetectionConfig
	if err := Decode(resp.Payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetConfig replaces the live detection thresholds.
func (c *Client) SetConfig(d *DetectionConfig) error {
	_, err := c.request(MsgSetConfig, d)
	return err
}

// Shutdown asks the daemon to exit.
func (c *Client) Shutdown() error {
	_, err := c.request(MsgShutdown, nil)
	return err
}

// Editor host adapter calls.

// DocOpen announces a document opening with its full text.
func (c *Client) DocOpen(path, text string) error {
	_, err := c.request(MsgDocOpen, &DocOpenRequest{Path: path, Text: text})
	return err
}

// DocClose announces a document closing.
func (c *Client) DocClose(path string) error {
	_, err := c.request(MsgDocClose, &DocCloseRequest{Path: path})
	return err
}

// DocEdit forwards a batch of edits stamped with the host's event time.
func (c *Client) DocEdit(path string, changes []EditChange, at time.Time) error {
	_, err := c.request(MsgDocEdit, &DocEditRequest{
		Path:        path,
		Changes:     changes,
		TimestampNs: at.UnixNano(),
	})
	return err
}

// DocSelection forwards a cursor or selection placement.
func (c *Client) DocSelection(path string, startLine, endLine int) error {
	_, err := c.request(MsgDocSelection, &DocSelectionRequest{
		Path: path, StartLine: startLine, EndLine: endLine,
	})
	return err
}

// DocSave announces a document save.
func (c *Client) DocSave(path string) error {
	_, err := c.request(MsgDocSave, &DocSaveRequest{Path: path})
	return err
}

// DocRename announces a document rename.
func (c *Client) DocRename(oldPath, newPath string) error {
	_, err := c.request(MsgDocRename, &DocRenameRequest{OldPath: oldPath, NewPath: newPath})
	return err
}

// Subscribe starts the region-change event stream on this connection.
func (c *Client) Subscribe() error {
	_, err := c.request(MsgSubscribe, &SubscribeRequest{})
	return err
}

// Listen blocks reading streamed events until the connection closes or
// fails. Call after Subscribe on a connection dedicated to listening.
func (c *Client) Listen() error {
	for {
		c.conn.SetReadDeadline(time.Time{})
		msg, err := ReadMessage(c.conn)
		if err != nil {
			return err
		}
		if msg.Header.Type == MsgEvent {
			c.dispatchEvent(msg)
		}
	}
}
