// frame_serializer.go: Length-prefixed framing, chunking and write coalescing
//
// This file adapts encoded RPC messages to transports whose write primitive
// has no message boundary (byte pipes) or a maximum packet size (datagram
// style channels). Every payload is prefixed with a 4-byte big-endian length,
// split into packets no larger than the transport allows and written in
// order. Writes queued in the same burst are coalesced into one flush pass.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
)

const (
	// FrameHeaderSize is the size of the length prefix in front of every payload.
	FrameHeaderSize = 4

	// DefaultMaxPacketSize is the packet ceiling used when none is configured.
	DefaultMaxPacketSize = 16 * 1024

	// DefaultMaxMessageSize bounds a single decoded payload.
	DefaultMaxMessageSize = 64 * 1024 * 1024
)

// FrameConfig configures framing for a transport.
type FrameConfig struct {
	// MaxPacketSize is the largest single write the transport accepts.
	// Zero or negative means DefaultMaxPacketSize.
	MaxPacketSize int `json:"max_packet_size" yaml:"max_packet_size"`

	// MaxMessageSize rejects inbound frames announcing a larger payload.
	MaxMessageSize int `json:"max_message_size" yaml:"max_message_size"`
}

// DefaultFrameConfig provides reasonable defaults.
var DefaultFrameConfig = FrameConfig{
	MaxPacketSize:  DefaultMaxPacketSize,
	MaxMessageSize: DefaultMaxMessageSize,
}

// ApplyDefaults fills unset fields.
func (fc *FrameConfig) ApplyDefaults() {
	if fc.MaxPacketSize <= 0 {
		fc.MaxPacketSize = DefaultMaxPacketSize
	}
	if fc.MaxMessageSize <= 0 {
		fc.MaxMessageSize = DefaultMaxMessageSize
	}
}

// Validate checks the configuration.
func (fc *FrameConfig) Validate() error {
	if fc.MaxPacketSize < 0 {
		return NewConfigValidationError("max_packet_size cannot be negative", nil)
	}
	if fc.MaxMessageSize < 0 {
		return NewConfigValidationError("max_message_size cannot be negative", nil)
	}
	return nil
}

// EncodeFrame returns payload prefixed with its length.
func EncodeFrame(payload []byte) []byte {
	frame := make([]byte, FrameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[:FrameHeaderSize], uint32(len(payload)))
	copy(frame[FrameHeaderSize:], payload)
	return frame
}

// ChunkPayload splits p into consecutive slices of at most max bytes.
// The returned slices alias p.
func ChunkPayload(p []byte, max int) [][]byte {
	if max <= 0 {
		max = DefaultMaxPacketSize
	}
	if len(p) == 0 {
		return nil
	}

	chunks := make([][]byte, 0, (len(p)+max-1)/max)
	for start := 0; start < len(p); start += max {
		end := start + max
		if end > len(p) {
			end = len(p)
		}
		chunks = append(chunks, p[start:end])
	}
	return chunks
}

// PacketWriter writes one packet to the transport.
type PacketWriter func(packet []byte) error

// FlushResult reports the outcome of the flush that carried a payload.
type FlushResult struct {
	done chan struct{}
	err  error
}

func newFlushResult() *FlushResult {
	return &FlushResult{done: make(chan struct{})}
}

func (r *FlushResult) finish(err error) {
	r.err = err
	close(r.done)
}

// Done is closed once the flush completed or failed.
func (r *FlushResult) Done() <-chan struct{} {
	return r.done
}

// Err returns the flush error. Only meaningful after Done is closed.
func (r *FlushResult) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the flush finished or ctx is done.
func (r *FlushResult) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type flushBatch struct {
	frames [][]byte
	result *FlushResult
}

// FrameWriter buffers outgoing payloads and flushes them as framed packets.
//
// Queue never blocks on the transport. The first payload of a burst hands a
// batch to the flush loop, which yields once before sealing the batch, so
// payloads queued by the same burst of work share a single flush pass.
// Batches are flushed strictly in order and packets of one payload are never
// interleaved with another payload's packets.
//
// A write error fails the batch being flushed and every later batch with the
// same transport error; the writer stays failed afterwards.
type FrameWriter struct {
	write   PacketWriter
	config  FrameConfig
	logger  Logger
	onError func(error)

	batches *AsyncQueue[*flushBatch]

	mu      sync.Mutex
	current *flushBatch
	failed  error
	closed  bool

	loopDone chan struct{}

	packetsWritten atomic.Int64
	bytesWritten   atomic.Int64
	flushes        atomic.Int64
}

// FrameWriterStats contains counters for a FrameWriter.
type FrameWriterStats struct {
	Flushes        int64 `json:"flushes"`
	PacketsWritten int64 `json:"packets_written"`
	BytesWritten   int64 `json:"bytes_written"`
}

// NewFrameWriter creates a writer and starts its flush loop. onError, if not
// nil, is called once with the first transport error.
func NewFrameWriter(write PacketWriter, config FrameConfig, logger Logger, onError func(error)) *FrameWriter {
	if logger == nil {
		logger = DefaultLogger()
	}
	config.ApplyDefaults()

	fw := &FrameWriter{
		write:    write,
		config:   config,
		logger:   logger,
		onError:  onError,
		batches:  NewAsyncQueue[*flushBatch](),
		loopDone: make(chan struct{}),
	}
	go fw.flushLoop()
	return fw
}

// Queue buffers payload for the next flush and returns its flush result.
func (fw *FrameWriter) Queue(payload []byte) *FlushResult {
	frame := EncodeFrame(payload)

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.failed != nil {
		r := newFlushResult()
		r.finish(fw.failed)
		return r
	}

	if fw.closed {
		r := newFlushResult()
		r.finish(NewTransportError("frame writer closed", nil))
		return r
	}

	if fw.current == nil {
		batch := &flushBatch{result: newFlushResult()}
		if !fw.batches.Submit(batch) {
			r := newFlushResult()
			r.finish(NewTransportError("frame writer closed", nil))
			return r
		}
		fw.current = batch
	}

	fw.current.frames = append(fw.current.frames, frame)
	return fw.current.result
}

// Write queues payload and waits for its flush.
func (fw *FrameWriter) Write(ctx context.Context, payload []byte) error {
	return fw.Queue(payload).Wait(ctx)
}

// Close stops accepting payloads. Batches already queued are still flushed.
func (fw *FrameWriter) Close() error {
	fw.mu.Lock()
	fw.closed = true
	fw.mu.Unlock()

	fw.batches.End(nil)
	<-fw.loopDone
	return nil
}

// Stats returns a snapshot of the writer counters.
func (fw *FrameWriter) Stats() FrameWriterStats {
	return FrameWriterStats{
		Flushes:        fw.flushes.Load(),
		PacketsWritten: fw.packetsWritten.Load(),
		BytesWritten:   fw.bytesWritten.Load(),
	}
}

func (fw *FrameWriter) flushLoop() {
	defer close(fw.loopDone)

	for {
		batch, err := fw.batches.Dequeue(context.Background())
		if err != nil {
			return
		}

		// Let the rest of the current burst join this batch.
		runtime.Gosched()

		fw.mu.Lock()
		if fw.current == batch {
			fw.current = nil
		}
		failed := fw.failed
		fw.mu.Unlock()

		if failed != nil {
			batch.result.finish(failed)
			continue
		}

		if err := fw.writeBatch(batch.frames); err != nil {
			terr := NewTransportError("frame write failed", err)
			fw.markFailed(terr)
			batch.result.finish(terr)
			continue
		}
		fw.flushes.Add(1)
		batch.result.finish(nil)
	}
}

func (fw *FrameWriter) markFailed(err error) {
	fw.mu.Lock()
	first := fw.failed == nil
	if first {
		fw.failed = err
	}
	fw.mu.Unlock()

	if first {
		fw.logger.Warn("Frame writer failed", "error", err)
		if fw.onError != nil {
			fw.onError(err)
		}
	}
}

func (fw *FrameWriter) writeBatch(frames [][]byte) error {
	for _, frame := range frames {
		for _, packet := range ChunkPayload(frame, fw.config.MaxPacketSize) {
			if err := fw.write(packet); err != nil {
				return err
			}
			fw.packetsWritten.Add(1)
			fw.bytesWritten.Add(int64(len(packet)))
		}
	}
	return nil
}

// FrameReassembler rebuilds payloads from packets split at arbitrary points.
type FrameReassembler struct {
	buf        []byte
	maxMessage int
}

// NewFrameReassembler creates a reassembler; maxMessage <= 0 means
// DefaultMaxMessageSize.
func NewFrameReassembler(maxMessage int) *FrameReassembler {
	if maxMessage <= 0 {
		maxMessage = DefaultMaxMessageSize
	}
	return &FrameReassembler{maxMessage: maxMessage}
}

// Feed appends a packet and returns every payload it completed, in order.
func (fr *FrameReassembler) Feed(packet []byte) ([][]byte, error) {
	fr.buf = append(fr.buf, packet...)

	var payloads [][]byte
	for len(fr.buf) >= FrameHeaderSize {
		size := binary.BigEndian.Uint32(fr.buf[:FrameHeaderSize])
		if uint64(size) > uint64(fr.maxMessage) {
			fr.buf = nil
			return payloads, NewPluginProtocolError(
				fmt.Sprintf("frame of %d bytes exceeds limit of %d", size, fr.maxMessage), nil)
		}
		end := FrameHeaderSize + int(size)
		if len(fr.buf) < end {
			break
		}
		payload := make([]byte, size)
		copy(payload, fr.buf[FrameHeaderSize:end])
		payloads = append(payloads, payload)
		fr.buf = fr.buf[end:]
	}

	if len(fr.buf) == 0 {
		fr.buf = nil
	}
	return payloads, nil
}

// Pending returns the number of buffered bytes not yet forming a payload.
func (fr *FrameReassembler) Pending() int {
	return len(fr.buf)
}

// ReadFrames reads length-prefixed payloads from r and passes each one to fn
// until r returns EOF (reported as nil) or another error.
func ReadFrames(ctx context.Context, r io.Reader, maxMessage int, fn func(payload []byte)) error {
	if maxMessage <= 0 {
		maxMessage = DefaultMaxMessageSize
	}

	header := make([]byte, FrameHeaderSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF {
				return nil
			}
			return NewTransportError("frame header read failed", err)
		}

		size := binary.BigEndian.Uint32(header)
		if uint64(size) > uint64(maxMessage) {
			return NewPluginProtocolError(
				fmt.Sprintf("frame of %d bytes exceeds limit of %d", size, maxMessage), nil)
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return NewTransportError("frame body read failed", err)
		}
		fn(payload)
	}
}
