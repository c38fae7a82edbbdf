// stream_sync.go: Forwarding of worker diagnostic output to the host
//
// Worker stdout carries RPC frames, so only stderr (or any other side
// channel) is synchronized. Each line becomes a log entry tagged with the
// worker and stream name, optionally mirrored to a writer.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// StreamSyncConfig configures how worker output streams are synchronized.
type StreamSyncConfig struct {
	// BufferSize is the longest line accepted.
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`

	// LogLevel is the level used for forwarded lines: debug, info or warn.
	LogLevel string `json:"log_level" yaml:"log_level"`

	// OutputPrefix is prepended to mirrored lines, e.g. "[worker]".
	OutputPrefix string `json:"output_prefix" yaml:"output_prefix"`

	// Mirror, when set, receives every line as well.
	Mirror io.Writer `json:"-" yaml:"-"`
}

// DefaultStreamSyncConfig provides sensible defaults for stream synchronization.
var DefaultStreamSyncConfig = StreamSyncConfig{
	BufferSize:   64 * 1024,
	LogLevel:     "info",
	OutputPrefix: "[worker]",
}

// StreamStats contains statistics about one synchronized stream.
type StreamStats struct {
	Name      string        `json:"name"`
	LinesRead int64         `json:"lines_read"`
	BytesRead int64         `json:"bytes_read"`
	Duration  time.Duration `json:"duration"`
}

// String implements fmt.Stringer for StreamStats.
func (ss StreamStats) String() string {
	return fmt.Sprintf("%s: %d lines, %d bytes, %v duration",
		ss.Name, ss.LinesRead, ss.BytesRead, ss.Duration)
}

type syncedStream struct {
	name      string
	lines     atomic.Int64
	bytes     atomic.Int64
	startTime time.Time
	endTime   atomic.Int64
}

// StreamSyncer forwards lines from worker output streams into a Logger.
type StreamSyncer struct {
	config StreamSyncConfig
	logger Logger

	mu      sync.Mutex
	streams []*syncedStream
	wg      sync.WaitGroup
}

// NewStreamSyncer creates a new stream synchronizer.
func NewStreamSyncer(config StreamSyncConfig, logger Logger) *StreamSyncer {
	if logger == nil {
		logger = DefaultLogger()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultStreamSyncConfig.BufferSize
	}
	if config.LogLevel == "" {
		config.LogLevel = DefaultStreamSyncConfig.LogLevel
	}
	return &StreamSyncer{config: config, logger: logger}
}

// Sync starts forwarding r under name until it returns EOF or an error.
func (ss *StreamSyncer) Sync(name string, r io.Reader) {
	stream := &syncedStream{name: name, startTime: time.Now()}

	ss.mu.Lock()
	ss.streams = append(ss.streams, stream)
	ss.mu.Unlock()

	ss.wg.Add(1)
	go func() {
		defer ss.wg.Done()
		defer stream.endTime.Store(time.Now().UnixNano())
		ss.syncStream(stream, r)
	}()
}

// Wait blocks until every synchronized stream ended.
func (ss *StreamSyncer) Wait() {
	ss.wg.Wait()
}

// Stats returns statistics for all streams.
func (ss *StreamSyncer) Stats() []StreamStats {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	out := make([]StreamStats, 0, len(ss.streams))
	for _, s := range ss.streams {
		end := time.Now()
		if ns := s.endTime.Load(); ns != 0 {
			end = time.Unix(0, ns)
		}
		out = append(out, StreamStats{
			Name:      s.name,
			LinesRead: s.lines.Load(),
			BytesRead: s.bytes.Load(),
			Duration:  end.Sub(s.startTime),
		})
	}
	return out
}

func (ss *StreamSyncer) syncStream(stream *syncedStream, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, min(4096, ss.config.BufferSize)), ss.config.BufferSize)

	for scanner.Scan() {
		line := scanner.Text()
		stream.lines.Add(1)
		stream.bytes.Add(int64(len(line)) + 1)
		ss.emit(stream.name, line)
	}

	if err := scanner.Err(); err != nil && !isClosedStreamError(err) {
		ss.logger.Warn("Stream scan error", "stream", stream.name, "error", err)
	}
	ss.logger.Debug("Stream ended", "stream", stream.name, "lines", stream.lines.Load())
}

func (ss *StreamSyncer) emit(name, line string) {
	switch strings.ToLower(ss.config.LogLevel) {
	case "debug":
		ss.logger.Debug(line, "stream", name)
	case "warn":
		ss.logger.Warn(line, "stream", name)
	default:
		ss.logger.Info(line, "stream", name)
	}

	if ss.config.Mirror != nil {
		prefix := ss.config.OutputPrefix
		if prefix != "" {
			prefix = fmt.Sprintf("%s:%s ", prefix, name)
		}
		if _, err := fmt.Fprintln(ss.config.Mirror, prefix+line); err != nil {
			ss.logger.Debug("Failed to mirror stream line", "stream", name, "error", err)
		}
	}
}
