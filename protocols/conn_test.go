// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package protocols

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

const testTimeout = 3 * time.Second

type handlerFunc func(ctx context.Context, typ Type, payload []byte) (interface{}, error)

func (f handlerFunc) Handle(ctx context.Context, typ Type, payload []byte) (interface{}, error) {
	return f(ctx, typ, payload)
}

// connPair returns a host-side connection (request issuing) and a peer
// serving requests with handler, wired through net.Pipe.
func connPair(t *testing.T, handler Handler) (*Conn, *Conn) {
	hostNC, peerNC := net.Pipe()
	host := NewConn(hostNC, nil, nil)
	peer := NewConn(peerNC, handler, nil)
	t.Cleanup(func() {
		host.Close()
		peer.Close()
	})
	return host, peer
}

func TestConnRequestResponse(t *testing.T) {
	assert := assert.New(t)

	host, _ := connPair(t, handlerFunc(func(ctx context.Context, typ Type, payload []byte) (interface{}, error) {
		assert.Equal(TypeWait, typ)
		return &WaitResponse{ExitCode: 42}, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	var resp WaitResponse
	err := host.Request(ctx, TypeWait, &WaitRequest{ID: "task"}, &resp)
	assert.NoError(err)
	assert.Equal(int32(42), resp.ExitCode)
}

func TestConnRequestHandlerError(t *testing.T) {
	assert := assert.New(t)

	host, _ := connPair(t, handlerFunc(func(ctx context.Context, typ Type, payload []byte) (interface{}, error) {
		return nil, errors.New("task does not exist")
	}))

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	err := host.Request(ctx, TypeSignal, &SignalRequest{ID: "nope"}, nil)
	assert.Error(err)
	assert.Contains(err.Error(), "task does not exist")
}

func TestConnConcurrentRequests(t *testing.T) {
	assert := assert.New(t)

	host, _ := connPair(t, handlerFunc(func(ctx context.Context, typ Type, payload []byte) (interface{}, error) {
		// Echo the payload so each caller can verify its own response.
		var req WaitRequest
		assert.NoError(json.Unmarshal(payload, &req))
		return &ErrorResponse{Message: req.ID}, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("task-%d", i)
			var resp ErrorResponse
			err := host.Request(ctx, TypeWait, &WaitRequest{ID: id}, &resp)
			assert.NoError(err)
			assert.Equal(id, resp.Message)
		}(i)
	}
	wg.Wait()
}

func TestConnEventDelivery(t *testing.T) {
	assert := assert.New(t)

	host, peer := connPair(t, nil)

	err := peer.SendEvent(&Event{Kind: EventExit, ID: "task", ExitCode: 7})
	assert.NoError(err)

	select {
	case ev := <-host.Events():
		assert.Equal(EventExit, ev.Kind)
		assert.Equal("task", ev.ID)
		assert.Equal(int32(7), ev.ExitCode)
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for event")
	}
}

func TestConnStreamFanout(t *testing.T) {
	assert := assert.New(t)

	host, peer := connPair(t, nil)

	r := host.OpenStream(3)

	go func() {
		_, err := peer.WriteStream(3, []byte("hello "))
		assert.NoError(err)
		_, err = peer.WriteStream(3, []byte("world"))
		assert.NoError(err)
		assert.NoError(peer.CloseStream(3))
	}()

	data, err := io.ReadAll(r)
	assert.NoError(err)
	assert.Equal("hello world", string(data))
}

func TestConnStreamWriter(t *testing.T) {
	assert := assert.New(t)

	host, peer := connPair(t, nil)

	r := host.OpenStream(11)
	w := peer.StreamWriter(11)

	go func() {
		n, err := w.Write([]byte("stdin bytes"))
		assert.NoError(err)
		assert.Equal(11, n)
		assert.NoError(w.Close())
	}()

	data, err := io.ReadAll(r)
	assert.NoError(err)
	assert.Equal("stdin bytes", string(data))
}

func TestConnUnreadStreamDoesNotStallRequests(t *testing.T) {
	assert := assert.New(t)

	host, peer := connPair(t, handlerFunc(func(ctx context.Context, typ Type, payload []byte) (interface{}, error) {
		return &WaitResponse{ExitCode: 9}, nil
	}))

	// Open a stream and never read it.
	host.OpenStream(7)

	_, err := peer.WriteStream(7, []byte("unconsumed output"))
	assert.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	// Control traffic must keep flowing regardless of the stalled stream.
	var resp WaitResponse
	err = host.Request(ctx, TypeWait, &WaitRequest{ID: "task"}, &resp)
	assert.NoError(err)
	assert.Equal(int32(9), resp.ExitCode)
}

func TestConnStreamBackpressureDropsNotBlocks(t *testing.T) {
	assert := assert.New(t)

	host, peer := connPair(t, handlerFunc(func(ctx context.Context, typ Type, payload []byte) (interface{}, error) {
		return &WaitResponse{}, nil
	}))

	host.OpenStream(7)
	live := host.OpenStream(8)

	// Flood the unread stream far past its queue bound.
	for i := 0; i < streamBufFrames*4; i++ {
		_, err := peer.WriteStream(7, []byte("x"))
		assert.NoError(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	// Requests and the other stream are unaffected.
	assert.NoError(host.Request(ctx, TypeWait, &WaitRequest{ID: "task"}, nil))

	go func() {
		_, err := peer.WriteStream(8, []byte("still flowing"))
		assert.NoError(err)
		assert.NoError(peer.CloseStream(8))
	}()

	data, err := io.ReadAll(live)
	assert.NoError(err)
	assert.Equal("still flowing", string(data))
}

func TestConnLossFailsPendingRequest(t *testing.T) {
	assert := assert.New(t)

	block := make(chan struct{})
	defer close(block)

	hostNC, peerNC := net.Pipe()
	host := NewConn(hostNC, nil, nil)
	peer := NewConn(peerNC, handlerFunc(func(ctx context.Context, typ Type, payload []byte) (interface{}, error) {
		<-block
		return nil, nil
	}), nil)
	defer host.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- host.Request(context.Background(), TypeWait, &WaitRequest{ID: "task"}, nil)
	}()

	// Let the request hit the blocked handler, then break the connection.
	time.Sleep(50 * time.Millisecond)
	peer.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(err, ErrConnectionLost)
	case <-time.After(testTimeout):
		t.Fatal("pending request not failed on connection loss")
	}

	assert.ErrorIs(host.Err(), ErrConnectionLost)
}

func TestConnLossFailsStreamReaders(t *testing.T) {
	assert := assert.New(t)

	host, peer := connPair(t, nil)

	r := host.OpenStream(5)
	peer.Close()

	_, err := io.ReadAll(r)
	assert.ErrorIs(err, ErrConnectionLost)
}

func TestConnRequestAfterClose(t *testing.T) {
	assert := assert.New(t)

	host, _ := connPair(t, nil)
	assert.NoError(host.Close())

	err := host.Request(context.Background(), TypeWait, &WaitRequest{ID: "task"}, nil)
	assert.ErrorIs(err, ErrConnectionLost)
}

func TestConnRequestContextCancel(t *testing.T) {
	assert := assert.New(t)

	block := make(chan struct{})
	defer close(block)

	host, _ := connPair(t, handlerFunc(func(ctx context.Context, typ Type, payload []byte) (interface{}, error) {
		<-block
		return nil, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := host.Request(ctx, TypeWait, &WaitRequest{ID: "task"}, nil)
	assert.ErrorIs(err, context.DeadlineExceeded)
}
