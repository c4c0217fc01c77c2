// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package protocols

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrConnectionLost is returned for every request or stream read that was
// in flight when the control connection broke. The protocol layer never
// retries; recovery is the caller's decision.
var ErrConnectionLost = errors.New("control connection lost")

const (
	eventChanSize = 128

	// streamBufFrames bounds the per-stream frame queue between the read
	// loop and the stream's pump goroutine. A consumer that stops reading
	// loses data once the queue is full; it never stalls the read loop.
	streamBufFrames = 64
)

// Handler serves inbound requests on a connection. The agent side installs
// one; the host side leaves it nil and rejects inbound requests.
type Handler interface {
	// Handle processes a request payload and returns the response payload.
	// It is invoked on its own goroutine so a blocking request (Wait)
	// cannot stall the connection's read loop.
	Handle(ctx context.Context, typ Type, payload []byte) (interface{}, error)
}

// Conn multiplexes control requests, unsolicited events and per-task stdio
// streams over one virtual-socket connection.
//
// Writes are serialized through a single mutex so frames never interleave.
// The read loop demultiplexes by correlation id (responses), stream id
// (stdio) and type (events, inbound requests).
type Conn struct {
	conn net.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[uint64]chan *Frame
	streams  map[uint32]*stream
	closed   bool
	closeErr error

	nextCorr uint64

	events chan *Event
	done   chan struct{}

	handler Handler
	logger  *logrus.Entry
}

// NewConn wraps nc. handler may be nil for the request-issuing side.
// The read loop starts immediately.
func NewConn(nc net.Conn, handler Handler, logger *logrus.Entry) *Conn {
	if logger == nil {
		logger = logrus.WithField("source", "protocols")
	}
	c := &Conn{
		conn:    nc,
		pending: make(map[uint64]chan *Frame),
		streams: make(map[uint32]*stream),
		events:  make(chan *Event, eventChanSize),
		done:    make(chan struct{}),
		handler: handler,
		logger:  logger,
	}
	go c.readLoop()
	return c
}

// Events returns the channel of unsolicited agent events. Consumers must
// also select on Done: no further events arrive once it is closed.
func (c *Conn) Events() <-chan *Event {
	return c.events
}

// Done is closed once the connection has terminated and all waiters have
// been failed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection terminated, nil while it is alive.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Request sends a correlated request and decodes the matching response into
// resp (ignored when resp is nil). It fails with ErrConnectionLost as soon
// as the connection breaks, and with ctx's error on cancellation.
func (c *Conn) Request(ctx context.Context, typ Type, req, resp interface{}) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return errors.Wrapf(err, "marshal %s request", typ)
	}

	corr := atomic.AddUint64(&c.nextCorr, 1)
	ch := make(chan *Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionLost
	}
	c.pending[corr] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, corr)
		c.mu.Unlock()
	}()

	if err := c.writeFrame(&Frame{
		Type:        typ,
		Correlation: corr,
		Payload:     payload,
	}); err != nil {
		return errors.Wrapf(err, "send %s request", typ)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnectionLost
	case f := <-ch:
		if f.IsError() {
			var er ErrorResponse
			if err := json.Unmarshal(f.Payload, &er); err != nil {
				return errors.Wrapf(err, "decode %s error response", typ)
			}
			return errors.Errorf("%s: %s", typ, er.Message)
		}
		if resp == nil {
			return nil
		}
		return errors.Wrapf(json.Unmarshal(f.Payload, resp), "decode %s response", typ)
	}
}

// SendEvent emits an unsolicited event frame. Used by the agent side.
func (c *Conn) SendEvent(ev *Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	return c.writeFrame(&Frame{Type: TypeEvent, Payload: payload})
}

// stream decouples inbound IOData from the read loop: the read loop only
// enqueues frames, and a pump goroutine feeds the consumer's pipe. A slow
// or absent consumer therefore backs up its own stream, never the
// connection's control plane.
type stream struct {
	pw *io.PipeWriter

	// ch carries frame payloads to the pump; only the read loop sends on
	// it and closes it (on IOClose), so the two never race.
	ch chan []byte

	once sync.Once
	quit chan struct{}
}

// abort tears the stream down immediately, discarding queued frames.
func (st *stream) abort(err error) {
	st.once.Do(func() {
		if err != nil {
			st.pw.CloseWithError(err)
		} else {
			st.pw.Close()
		}
		close(st.quit)
	})
}

func (st *stream) pump() {
	for {
		select {
		case p, ok := <-st.ch:
			if !ok {
				// IOClose: queued frames are drained, EOF follows.
				st.pw.Close()
				return
			}
			// A closed read end fails this write; keep draining so the
			// queue empties.
			st.pw.Write(p)
		case <-st.quit:
			return
		}
	}
}

// OpenStream registers a stream id for reading and returns the read end.
// Frames carrying that id are delivered in arrival order. The reader
// observes io.EOF after IOClose and ErrConnectionLost on breakage.
func (c *Conn) OpenStream(id uint32) io.ReadCloser {
	pr, pw := io.Pipe()
	st := &stream{
		pw:   pw,
		ch:   make(chan []byte, streamBufFrames),
		quit: make(chan struct{}),
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		pw.CloseWithError(ErrConnectionLost)
		return pr
	}
	c.streams[id] = st
	c.mu.Unlock()
	go st.pump()
	return pr
}

// WriteStream sends data on a stream, chunked below the frame size limit.
func (c *Conn) WriteStream(id uint32, p []byte) (int, error) {
	var written int
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxPayloadSize {
			chunk = chunk[:maxPayloadSize]
		}
		if err := c.writeFrame(&Frame{Type: TypeIOData, Stream: id, Payload: chunk}); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// CloseStream signals end of stream to the peer and drops the local fanout
// entry if one exists.
func (c *Conn) CloseStream(id uint32) error {
	c.mu.Lock()
	if st, ok := c.streams[id]; ok {
		delete(c.streams, id)
		st.abort(nil)
	}
	c.mu.Unlock()
	return c.writeFrame(&Frame{Type: TypeIOClose, Stream: id})
}

// StreamWriter adapts a stream id to io.WriteCloser.
func (c *Conn) StreamWriter(id uint32) io.WriteCloser {
	return &streamWriter{c: c, id: id}
}

type streamWriter struct {
	c  *Conn
	id uint32
}

func (w *streamWriter) Write(p []byte) (int, error) {
	return w.c.WriteStream(w.id, p)
}

func (w *streamWriter) Close() error {
	return w.c.CloseStream(w.id)
}

// Close tears the connection down and fails everything in flight with
// ErrConnectionLost.
func (c *Conn) Close() error {
	return c.shutdown(nil)
}

func (c *Conn) writeFrame(f *Frame) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnectionLost
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := WriteFrame(c.conn, f); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

func (c *Conn) readLoop() {
	for {
		f, err := ReadFrame(c.conn)
		if err != nil {
			c.shutdown(err)
			return
		}
		c.dispatch(f)
	}
}

func (c *Conn) dispatch(f *Frame) {
	switch {
	case f.IsResponse():
		c.mu.Lock()
		ch, ok := c.pending[f.Correlation]
		c.mu.Unlock()
		if !ok {
			c.logger.WithFields(logrus.Fields{
				"type":        f.Type.String(),
				"correlation": f.Correlation,
			}).Warn("response for unknown correlation id")
			return
		}
		ch <- f

	case f.Type == TypeIOData:
		c.mu.Lock()
		st, ok := c.streams[f.Stream]
		c.mu.Unlock()
		if !ok {
			c.logger.WithField("stream", f.Stream).Debug("data for unknown stream")
			return
		}
		// Never block here: a stalled stream consumer must not wedge
		// control responses or other streams behind it.
		select {
		case st.ch <- f.Payload:
		case <-st.quit:
		default:
			c.logger.WithField("stream", f.Stream).Warn("stream consumer not keeping up, dropping data")
		}

	case f.Type == TypeIOClose:
		c.mu.Lock()
		st, ok := c.streams[f.Stream]
		if ok {
			delete(c.streams, f.Stream)
		}
		c.mu.Unlock()
		if ok {
			close(st.ch)
		}

	case f.Type == TypeEvent:
		var ev Event
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			c.logger.WithError(err).Warn("malformed event payload")
			return
		}
		select {
		case c.events <- &ev:
		case <-c.done:
		}

	default:
		c.serveRequest(f)
	}
}

func (c *Conn) serveRequest(f *Frame) {
	if c.handler == nil {
		c.logger.WithField("type", f.Type.String()).Warn("inbound request on request-issuing side")
		c.reply(f, nil, errors.Errorf("unexpected request %s", f.Type))
		return
	}

	go func() {
		resp, err := c.handler.Handle(context.Background(), f.Type, f.Payload)
		c.reply(f, resp, err)
	}()
}

func (c *Conn) reply(req *Frame, resp interface{}, herr error) {
	f := &Frame{
		Type:        req.Type,
		Flags:       FlagResponse,
		Correlation: req.Correlation,
	}
	if herr != nil {
		f.Flags |= FlagError
		resp = &ErrorResponse{Message: herr.Error()}
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		c.logger.WithError(err).WithField("type", req.Type.String()).Error("marshal response")
		return
	}
	f.Payload = payload
	if err := c.writeFrame(f); err != nil && errors.Cause(err) != ErrConnectionLost {
		c.logger.WithError(err).WithField("type", req.Type.String()).Warn("send response")
	}
}

func (c *Conn) shutdown(cause error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if cause == nil || cause == io.EOF {
		cause = ErrConnectionLost
	}
	c.closeErr = cause

	pending := c.pending
	c.pending = make(map[uint64]chan *Frame)
	streams := c.streams
	c.streams = make(map[uint32]*stream)
	c.mu.Unlock()

	err := c.conn.Close()
	close(c.done)

	// Pending requests observe c.done and fail with ErrConnectionLost.
	for corr := range pending {
		c.logger.WithField("correlation", corr).Debug("failing pending request")
	}
	for _, st := range streams {
		st.abort(ErrConnectionLost)
	}
	return err
}
