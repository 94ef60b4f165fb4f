// Copyright 2021-2025 The Connect Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lancet

import (
	"io"
	"sync"
)

// A ReceiveStream is a lazy, finite or unbounded sequence of messages: the
// stream-shaped side of an RPC. Messages are produced incrementally, in the
// order the underlying transport produced them.
//
// Receive returns [io.EOF] once the sequence ends cleanly, and any other
// error exactly once if it ends with a failure. Close releases the stream's
// resources without draining it; receiving after Close is an error.
// ReceiveStreams are not safe for concurrent use.
type ReceiveStream[T any] interface {
	Receive() (*T, error)
	Close() error
}

// A SendStream is the producing side of a stream-shaped RPC payload. Send
// blocks until the message is handed off; Close marks a clean end of the
// sequence. SendStreams are not safe for concurrent use.
type SendStream[T any] interface {
	Send(*T) error
	Close() error
}

// StreamOf returns a ReceiveStream that yields the given messages in order
// and then returns [io.EOF]. It's handy for tests and for procedures whose
// stream-shaped side has a known, already-materialized payload.
func StreamOf[T any](messages ...*T) ReceiveStream[T] {
	return &sliceStream[T]{messages: messages}
}

type sliceStream[T any] struct {
	messages []*T
	closed   bool
}

func (s *sliceStream[T]) Receive() (*T, error) {
	if s.closed {
		return nil, io.ErrClosedPipe
	}
	if len(s.messages) == 0 {
		return nil, io.EOF
	}
	msg := s.messages[0]
	s.messages = s.messages[1:]
	return msg, nil
}

func (s *sliceStream[T]) Close() error {
	s.closed = true
	s.messages = nil
	return nil
}

// ReadAll drains the stream, returning every remaining message in arrival
// order. A clean [io.EOF] is not an error. ReadAll closes the stream before
// returning.
func ReadAll[T any](stream ReceiveStream[T]) ([]*T, error) {
	defer stream.Close()
	var messages []*T
	for {
		msg, err := stream.Receive()
		if err == io.EOF {
			return messages, nil
		}
		if err != nil {
			return messages, err
		}
		messages = append(messages, msg)
	}
}

// NewPipe creates a synchronous, in-memory message stream: everything sent
// to the [PipeSender] arrives, in order, at the [PipeReceiver]. The buffer
// is the number of messages that may be in flight before Send blocks; shape
// converters use small buffers so that streams are forwarded as they arrive
// rather than accumulated.
//
// Unlike the streams themselves, the two ends may live on different
// goroutines: each end is used by one goroutine at a time, which is how the
// converters thread a caller's stream through an adapter running
// concurrently.
func NewPipe[T any](buffer int) (*PipeSender[T], *PipeReceiver[T]) {
	shared := &pipe[T]{
		messages: make(chan *T, buffer),
		sendDone: make(chan struct{}),
		recvDone: make(chan struct{}),
	}
	return &PipeSender[T]{pipe: shared}, &PipeReceiver[T]{pipe: shared}
}

type pipe[T any] struct {
	messages chan *T
	sendDone chan struct{}
	recvDone chan struct{}

	closeSendOnce sync.Once
	closeRecvOnce sync.Once

	errMu sync.Mutex
	err   error // terminal error recorded by the sender, nil for clean EOF
}

func (p *pipe[T]) terminalError() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.err != nil {
		return p.err
	}
	return io.EOF
}

func (p *pipe[T]) closeSend(err error) {
	p.closeSendOnce.Do(func() {
		p.errMu.Lock()
		p.err = err
		p.errMu.Unlock()
		close(p.sendDone)
	})
}

// PipeSender is the producing end of a pipe. It implements [SendStream].
type PipeSender[T any] struct {
	pipe *pipe[T]
}

// Send delivers one message, blocking until the receiver (or the buffer) has
// room. It fails with [io.ErrClosedPipe] if either end is already closed, so
// an abandoned receiver promptly unblocks its producer.
func (s *PipeSender[T]) Send(msg *T) error {
	select {
	case <-s.pipe.sendDone:
		return io.ErrClosedPipe
	case <-s.pipe.recvDone:
		return io.ErrClosedPipe
	default:
	}
	select {
	case s.pipe.messages <- msg:
		return nil
	case <-s.pipe.sendDone:
		return io.ErrClosedPipe
	case <-s.pipe.recvDone:
		return io.ErrClosedPipe
	}
}

// Close ends the sequence cleanly: after the receiver drains any buffered
// messages, Receive returns [io.EOF].
func (s *PipeSender[T]) Close() error {
	s.pipe.closeSend(nil)
	return nil
}

// CloseWithError ends the sequence with a terminal error, which the receiver
// observes once after draining buffered messages. A nil err is equivalent to
// Close. Only the first close of either kind takes effect.
func (s *PipeSender[T]) CloseWithError(err error) error {
	s.pipe.closeSend(err)
	return nil
}

// PipeReceiver is the consuming end of a pipe. It implements
// [ReceiveStream].
type PipeReceiver[T any] struct {
	pipe *pipe[T]
}

// Receive returns the next message, blocking until the sender provides one
// or closes its end.
func (r *PipeReceiver[T]) Receive() (*T, error) {
	select {
	case msg := <-r.pipe.messages:
		return msg, nil
	case <-r.pipe.recvDone:
		return nil, io.ErrClosedPipe
	case <-r.pipe.sendDone:
		// The sender may have filled the buffer before closing; drain it
		// before reporting the terminal state.
		select {
		case msg := <-r.pipe.messages:
			return msg, nil
		default:
			return nil, r.pipe.terminalError()
		}
	}
}

// Close abandons the stream. Any blocked or future Send fails with
// [io.ErrClosedPipe], so no producer goroutine is left behind.
func (r *PipeReceiver[T]) Close() error {
	r.pipe.closeRecvOnce.Do(func() {
		close(r.pipe.recvDone)
	})
	return nil
}

var (
	_ SendStream[struct{}]    = (*PipeSender[struct{}])(nil)
	_ ReceiveStream[struct{}] = (*PipeReceiver[struct{}])(nil)
)
