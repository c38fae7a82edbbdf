// byte_queue.go: Byte chunk queue with watermark flow control
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"context"
	"sync"
)

// DefaultByteQueueWatermark is the backlog, in bytes, above which a
// ByteQueue asks its producer to pause.
const DefaultByteQueueWatermark = 64000

// ByteQueue is an AsyncQueue of byte chunks that tracks its backlog.
//
// When buffered bytes exceed the watermark, onPause is called once. After a
// Next call brings the backlog back under the watermark, onResume is called
// once. The callbacks run with the queue lock held and must not call back
// into the queue.
type ByteQueue struct {
	queue     *AsyncQueue[[]byte]
	watermark int
	onPause   func()
	onResume  func()

	mu       sync.Mutex
	buffered int
	paused   bool
}

// NewByteQueue creates a queue. watermark <= 0 means DefaultByteQueueWatermark.
func NewByteQueue(watermark int, onPause, onResume func()) *ByteQueue {
	if watermark <= 0 {
		watermark = DefaultByteQueueWatermark
	}
	if onPause == nil {
		onPause = func() {}
	}
	if onResume == nil {
		onResume = func() {}
	}
	return &ByteQueue{
		queue:     NewAsyncQueue[[]byte](),
		watermark: watermark,
		onPause:   onPause,
		onResume:  onResume,
	}
}

// Push appends chunk. It returns false once the queue has ended.
func (bq *ByteQueue) Push(chunk []byte) bool {
	if len(chunk) == 0 {
		return !bq.queue.IsEnded()
	}

	bq.mu.Lock()
	defer bq.mu.Unlock()

	if !bq.queue.Submit(chunk) {
		return false
	}
	bq.buffered += len(chunk)
	if !bq.paused && bq.buffered > bq.watermark {
		bq.paused = true
		bq.onPause()
	}
	return true
}

// Next returns everything currently buffered as one chunk, waiting only when
// the queue is empty. After End it drains the backlog and then returns the
// end error.
func (bq *ByteQueue) Next(ctx context.Context) ([]byte, error) {
	bq.mu.Lock()
	chunks := bq.queue.Clear()
	bq.mu.Unlock()

	if len(chunks) == 0 {
		chunk, err := bq.queue.Dequeue(ctx)
		if err != nil {
			return nil, err
		}
		chunks = [][]byte{chunk}
	}

	data := concatChunks(chunks)
	bq.consumed(len(data))
	return data, nil
}

// End closes the queue; see AsyncQueue.End.
func (bq *ByteQueue) End(err error) bool {
	return bq.queue.End(err)
}

// Buffered returns the number of bytes waiting to be consumed.
func (bq *ByteQueue) Buffered() int {
	bq.mu.Lock()
	defer bq.mu.Unlock()
	return bq.buffered
}

// Paused reports whether the producer is currently asked to pause.
func (bq *ByteQueue) Paused() bool {
	bq.mu.Lock()
	defer bq.mu.Unlock()
	return bq.paused
}

func (bq *ByteQueue) consumed(n int) {
	bq.mu.Lock()
	defer bq.mu.Unlock()

	bq.buffered -= n
	if bq.paused && bq.buffered < bq.watermark {
		bq.paused = false
		bq.onResume()
	}
}

func concatChunks(chunks [][]byte) []byte {
	if len(chunks) == 1 {
		return chunks[0]
	}
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
