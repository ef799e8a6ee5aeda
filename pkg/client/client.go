// Package client is the reactivedoc Go SDK: a thin wrapper over the
// length-delimited JSON wire protocol, correlating requests to
// responses and demultiplexing subscription change frames.
package client

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Frame mirrors the wire shape of both directions of traffic; unused
// fields are simply absent.
type Frame struct {
	Type       string          `json:"type"`
	ID         string          `json:"id"`
	Query      string          `json:"query,omitempty"`
	Collection string          `json:"collection,omitempty"`
	DocumentID string          `json:"document_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	Change     *ChangeFrame    `json:"change,omitempty"`
}

type ChangeFrame struct {
	Type string          `json:"type"`
	New  json.RawMessage `json:"new,omitempty"`
	Old  json.RawMessage `json:"old,omitempty"`
}

var ErrClosed = errors.New("client: connection closed")

// Client is one persistent duplex connection to a reactivedoc server.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex

	mu          sync.Mutex
	pending     map[string]chan Frame
	subscribers map[string]chan Frame
	closed      bool
	closeErr    error

	idSeq int64
}

// Dial connects to addr and starts the client's background read loop.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:        conn,
		pending:     make(map[string]chan Frame),
		subscribers: make(map[string]chan Frame),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) nextID() string {
	return fmt.Sprintf("c%d", atomic.AddInt64(&c.idSeq, 1))
}

func (c *Client) readLoop() {
	for {
		frame, err := readFrame(c.conn)
		if err != nil {
			c.fail(err)
			return
		}
		c.mu.Lock()
		if ch, ok := c.subscribers[frame.ID]; ok {
			c.mu.Unlock()
			ch <- frame
			continue
		}
		ch, ok := c.pending[frame.ID]
		if ok {
			delete(c.pending, frame.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- frame
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	subs := c.subscribers
	c.pending = nil
	c.subscribers = nil
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, ch := range subs {
		close(ch)
	}
}

func (c *Client) send(frame Frame) (chan Frame, error) {
	ch := make(chan Frame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, c.closeErr
	}
	c.pending[frame.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := writeFrame(c.conn, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, frame.ID)
		c.mu.Unlock()
		return nil, err
	}
	return ch, nil
}

func (c *Client) roundTrip(frame Frame) (Frame, error) {
	ch, err := c.send(frame)
	if err != nil {
		return Frame{}, err
	}
	resp, ok := <-ch
	if !ok {
		return Frame{}, ErrClosed
	}
	if resp.Type == "error" {
		return Frame{}, fmt.Errorf("reactivedoc: %s", resp.Error)
	}
	return resp, nil
}

// Query runs a fluent DSL query terminating in run()/get()/insert()/
// update()/delete() and returns its result payload.
func (c *Client) Query(query string) (json.RawMessage, error) {
	resp, err := c.roundTrip(Frame{Type: "query", ID: c.nextID(), Query: query})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) Insert(collection string, data json.RawMessage) (json.RawMessage, error) {
	resp, err := c.roundTrip(Frame{Type: "insert", ID: c.nextID(), Collection: collection, Data: data})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) Update(collection, documentID string, data json.RawMessage) (json.RawMessage, error) {
	resp, err := c.roundTrip(Frame{Type: "update", ID: c.nextID(), Collection: collection, DocumentID: documentID, Data: data})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) Delete(collection, documentID string) (json.RawMessage, error) {
	resp, err := c.roundTrip(Frame{Type: "delete", ID: c.nextID(), Collection: collection, DocumentID: documentID})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) ListCollections() (json.RawMessage, error) {
	resp, err := c.roundTrip(Frame{Type: "list_collections", ID: c.nextID()})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) Ping() error {
	_, err := c.roundTrip(Frame{Type: "ping", ID: c.nextID()})
	return err
}

// Subscription is a live db.table(...).changes() stream.
type Subscription struct {
	ID     string
	client *Client
	frames chan Frame
}

// Subscribe opens a changes() subscription and returns immediately
// after the server acknowledges with `subscribed`; use Next to consume
// the ensuing change frames.
func (c *Client) Subscribe(query string) (*Subscription, error) {
	id := c.nextID()
	ch := make(chan Frame, 64)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, c.closeErr
	}
	c.pending[id] = make(chan Frame, 1)
	ackCh := c.pending[id]
	c.mu.Unlock()

	c.writeMu.Lock()
	err := writeFrame(c.conn, Frame{Type: "subscribe", ID: id, Query: query})
	c.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	ack, ok := <-ackCh
	if !ok {
		return nil, ErrClosed
	}
	if ack.Type == "error" {
		return nil, fmt.Errorf("reactivedoc: %s", ack.Error)
	}

	c.mu.Lock()
	c.subscribers[id] = ch
	c.mu.Unlock()

	return &Subscription{ID: id, client: c, frames: ch}, nil
}

// Next blocks for the subscription's next change frame. ok is false
// once the subscription has been closed (locally or by the server).
func (s *Subscription) Next() (ChangeFrame, bool) {
	frame, ok := <-s.frames
	if !ok || frame.Type != "change" {
		return ChangeFrame{}, false
	}
	return *frame.Change, true
}

// Unsubscribe requests server-side teardown of the subscription.
func (s *Subscription) Unsubscribe() error {
	s.client.writeMu.Lock()
	err := writeFrame(s.client.conn, Frame{Type: "unsubscribe", ID: s.ID})
	s.client.writeMu.Unlock()
	return err
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func readFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Frame{}, err
	}
	var frame Frame
	if err := json.Unmarshal(buf, &frame); err != nil {
		return Frame{}, err
	}
	return frame, nil
}

func writeFrame(w io.Writer, frame Frame) error {
	buf, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(buf)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
