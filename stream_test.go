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
	"errors"
	"io"
	"testing"

	"github.com/agentio/lancet/internal/assert"
)

func TestStreamOf(t *testing.T) {
	t.Parallel()
	one, two := "one", "two"
	stream := StreamOf(&one, &two)
	msg, err := stream.Receive()
	assert.Nil(t, err)
	assert.Equal(t, *msg, "one")
	msg, err = stream.Receive()
	assert.Nil(t, err)
	assert.Equal(t, *msg, "two")
	_, err = stream.Receive()
	assert.ErrorIs(t, err, io.EOF)
	assert.Nil(t, stream.Close())
	_, err = stream.Receive()
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestReadAll(t *testing.T) {
	t.Parallel()
	one, two, three := 1, 2, 3
	messages, err := ReadAll(StreamOf(&one, &two, &three))
	assert.Nil(t, err)
	assert.Equal(t, len(messages), 3)
	assert.Equal(t, *messages[0], 1)
	assert.Equal(t, *messages[2], 3)
}

func TestPipeOrder(t *testing.T) {
	t.Parallel()
	sender, receiver := NewPipe[int](1)
	go func() {
		for i := 0; i < 10; i++ {
			value := i
			if err := sender.Send(&value); err != nil {
				return
			}
		}
		sender.Close()
	}()
	got, err := ReadAll[int](receiver)
	assert.Nil(t, err)
	assert.Equal(t, len(got), 10)
	for i, msg := range got {
		assert.Equal(t, *msg, i)
	}
}

func TestPipeDrainsBufferAfterClose(t *testing.T) {
	t.Parallel()
	sender, receiver := NewPipe[string](2)
	buffered := "buffered"
	assert.Nil(t, sender.Send(&buffered))
	assert.Nil(t, sender.Close())
	// The buffered message still arrives; only then does the receiver see
	// the end of the stream.
	msg, err := receiver.Receive()
	assert.Nil(t, err)
	assert.Equal(t, *msg, "buffered")
	_, err = receiver.Receive()
	assert.ErrorIs(t, err, io.EOF)
}

func TestPipeCloseWithError(t *testing.T) {
	t.Parallel()
	sender, receiver := NewPipe[string](1)
	terminal := errors.New("upstream broke")
	assert.Nil(t, sender.CloseWithError(terminal))
	// Only the first close takes effect.
	assert.Nil(t, sender.Close())
	_, err := receiver.Receive()
	assert.ErrorIs(t, err, terminal)
}

func TestPipeSendAfterClose(t *testing.T) {
	t.Parallel()
	sender, _ := NewPipe[string](1)
	assert.Nil(t, sender.Close())
	msg := "late"
	assert.ErrorIs(t, sender.Send(&msg), io.ErrClosedPipe)
}

func TestPipeReceiverCloseUnblocksSender(t *testing.T) {
	t.Parallel()
	sender, receiver := NewPipe[int](0)
	blocked := make(chan error, 1)
	go func() {
		value := 42
		blocked <- sender.Send(&value)
	}()
	assert.Nil(t, receiver.Close())
	assert.ErrorIs(t, <-blocked, io.ErrClosedPipe)
}
