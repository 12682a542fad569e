/*
 * s3lens (C) 2026 s3lens authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package preview implements the Streaming Preview (spec §4.F): an
// append-only temp file fed by incoming byte ranges, optionally passed
// through a decompression transform, memory-mapped for zero-copy reads,
// and indexed by newline so a consumer can address it by line number
// while a worker goroutine is still writing to it.
package preview

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
	"github.com/sirupsen/logrus"
)

const (
	initialFileSize = 64 * 1024
	growChunkSize    = 1 * 1024 * 1024
)

// Streaming is one in-flight preview: one temp file, one transform, one
// newline index. Not reusable across objects — construct a fresh one per
// selectFile (spec §4.H).
type Streaming struct {
	file         *os.File
	fileCapacity int64 // current ftruncate'd size

	transform Transform

	bytesWritten    atomic.Int64
	bytesDownloaded int64
	totalSourceBytes int64
	complete        atomic.Bool

	mu          sync.Mutex // guards lineOffsets and bytesDownloaded
	lineOffsets []int64
	// pendingLineStart holds a line-start offset discovered immediately
	// after a trailing newline at the current end of written data. It is
	// not yet a confirmed line boundary — the stream might end exactly
	// there, in which case no such line ever exists — so it is only
	// promoted into lineOffsets once further bytes actually arrive.
	pendingLineStart    int64
	hasPendingLineStart bool

	mapMu   sync.Mutex // guards mapping swap (the "remap mutex", spec §5)
	mapping mmap.MMap
}

// New opens the backing temp file (create, then immediately unlink so no
// directory entry survives a crash) and pre-allocates it to
// initialFileSize (spec §4.F.1).
func New(totalSourceBytes int64, transform Transform) (*Streaming, error) {
	f, err := os.CreateTemp("", "s3lens-preview-*")
	if err != nil {
		return nil, fmt.Errorf("creating preview temp file: %w", err)
	}
	name := f.Name()
	if err := os.Remove(name); err != nil {
		f.Close()
		return nil, fmt.Errorf("unlinking preview temp file: %w", err)
	}
	if err := f.Truncate(initialFileSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("pre-allocating preview temp file: %w", err)
	}
	if transform == nil {
		transform = PassThrough{}
	}
	return &Streaming{
		file:             f,
		fileCapacity:     initialFileSize,
		transform:        transform,
		totalSourceBytes: totalSourceBytes,
	}, nil
}

// Close releases the temp file descriptor and the current mapping.
func (s *Streaming) Close() error {
	s.mapMu.Lock()
	if s.mapping != nil {
		s.mapping.Unmap()
		s.mapping = nil
	}
	s.mapMu.Unlock()
	return s.file.Close()
}

// AppendChunk implements spec §4.F.3. sourceOffset is the chunk's byte
// offset in the pre-transform source stream; the engine's ordering
// guarantee (spec §5 "ObjectRangeLoaded events from a single streaming
// call arrive in increasing start-byte") means it should always equal
// the bytes downloaded so far. A mismatch is logged, not rejected —
// logging, not the data path, is where that invariant gets surfaced.
func (s *Streaming) AppendChunk(data []byte, sourceOffset int64) error {
	s.mu.Lock()
	if sourceOffset != s.bytesDownloaded {
		logrus.WithFields(logrus.Fields{"expected": s.bytesDownloaded, "got": sourceOffset}).
			Warn("preview chunk arrived out of order")
	}
	s.bytesDownloaded += int64(len(data))
	willComplete := s.totalSourceBytes > 0 && s.bytesDownloaded >= s.totalSourceBytes
	s.mu.Unlock()

	decoded, err := s.transform.Transform(data)
	if err != nil {
		return fmt.Errorf("decoding preview chunk: %w", err)
	}
	if err := s.writeAndIndex(decoded); err != nil {
		return err
	}

	if willComplete {
		tail, err := s.transform.Flush()
		if err != nil {
			return fmt.Errorf("flushing preview transform: %w", err)
		}
		if err := s.writeAndIndex(tail); err != nil {
			return err
		}
		s.complete.Store(true)
	}

	s.remap()
	return nil
}

// writeAndIndex performs the pwrite-equivalent positional write and
// extends the newline index over the newly written region. A newline
// landing exactly on the last byte written so far is not immediately
// indexed as a new line start: whether it truly begins a line depends
// on bytes that haven't arrived yet (spec §8 property 10 — lineCount
// is the newline count, with no entry for a terminator that sits at
// the true end of the content).
func (s *Streaming) writeAndIndex(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	start := s.bytesWritten.Load()
	needed := start + int64(len(data))
	if err := s.ensureCapacity(needed); err != nil {
		return err
	}
	if _, err := s.file.WriteAt(data, start); err != nil {
		return fmt.Errorf("writing preview temp file: %w", err)
	}

	s.mu.Lock()
	firstByte := len(s.lineOffsets) == 0 && start == 0
	if firstByte {
		s.lineOffsets = append(s.lineOffsets, 0)
	}
	if s.hasPendingLineStart {
		// More bytes arrived after a newline we'd deferred — it's now
		// confirmed to start a real line.
		s.lineOffsets = append(s.lineOffsets, s.pendingLineStart)
		s.hasPendingLineStart = false
	}
	for i, b := range data {
		if b != '\n' {
			continue
		}
		newEnd := start + int64(i) + 1
		if newEnd == needed {
			s.pendingLineStart = newEnd
			s.hasPendingLineStart = true
			continue
		}
		s.lineOffsets = append(s.lineOffsets, newEnd)
	}
	s.mu.Unlock()

	// atomic-release: readers observe the new size only after the bytes
	// and the line index above are visible.
	s.bytesWritten.Store(needed)
	return nil
}

func (s *Streaming) ensureCapacity(needed int64) error {
	if needed <= s.fileCapacity {
		return nil
	}
	newCap := s.fileCapacity
	for newCap < needed {
		newCap += growChunkSize
	}
	if err := s.file.Truncate(newCap); err != nil {
		return fmt.Errorf("growing preview temp file: %w", err)
	}
	s.fileCapacity = newCap
	return nil
}

func pageSize() int64 { return int64(os.Getpagesize()) }

func roundUpPage(n int64) int64 {
	ps := pageSize()
	if n%ps == 0 {
		return n
	}
	return (n/ps + 1) * ps
}

// remap extends the mapping when the written size has outgrown it (spec
// §4.F.1). Called only from the single writer goroutine; readers never
// call remap, only mappedSize/getLine/getAllContent.
func (s *Streaming) remap() {
	written := s.bytesWritten.Load()
	if written == 0 {
		return
	}
	wanted := roundUpPage(written)
	if wanted > s.fileCapacity {
		wanted = s.fileCapacity
	}

	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	if s.mapping != nil && int64(len(s.mapping)) >= wanted {
		return
	}
	if s.mapping != nil {
		s.mapping.Unmap()
		s.mapping = nil
	}
	m, err := mmap.MapRegion(s.file, int(wanted), mmap.RDONLY, 0, 0)
	if err != nil {
		// Leave the previous state (no mapping, or a smaller one); the
		// consumer falls back to whatever mappedSize() already reports
		// and a later AppendChunk will retry.
		return
	}
	s.mapping = m
	runtime.KeepAlive(s.file)
}

// mappedSize returns the consumer's safe read bound: the lesser of the
// currently mapped extent and the bytes actually written so far (spec
// §4.F.1).
func (s *Streaming) mappedSize() int64 {
	s.mapMu.Lock()
	mapped := int64(len(s.mapping))
	s.mapMu.Unlock()
	written := s.bytesWritten.Load()
	if mapped < written {
		return mapped
	}
	return written
}

// LineCount reports the number of addressable lines. Zero until the
// first byte is written (spec §4.F.4 / §3 invariant "line-offsets[0]==0
// as soon as any byte is written").
func (s *Streaming) LineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lineOffsets)
}

// GetLine returns a copy of line n's bytes, with a trailing "\r\n", "\n",
// or bare "\r" stripped (spec §4.F.4).
func (s *Streaming) GetLine(n int) ([]byte, error) {
	s.mu.Lock()
	if n < 0 || n >= len(s.lineOffsets) {
		s.mu.Unlock()
		return nil, fmt.Errorf("preview: line %d out of range (have %d)", n, len(s.lineOffsets))
	}
	start := s.lineOffsets[n]
	var end int64
	if n+1 < len(s.lineOffsets) {
		end = s.lineOffsets[n+1]
	} else {
		end = s.bytesWritten.Load()
	}
	s.mu.Unlock()

	safe := s.mappedSize()
	if end > safe {
		end = safe
	}
	if start > end {
		start = end
	}

	s.mapMu.Lock()
	raw := append([]byte(nil), s.mapping[start:end]...)
	s.mapMu.Unlock()

	raw = trimLineTerminator(raw)
	return raw, nil
}

func trimLineTerminator(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\n' {
		b = b[:len(b)-1]
	}
	if len(b) > 0 && b[len(b)-1] == '\r' {
		b = b[:len(b)-1]
	}
	return b
}

// IsLineComplete reports whether line n has a trailing terminator on
// disk, or the preview itself is complete (spec §4.F.4).
func (s *Streaming) IsLineComplete(n int) bool {
	if s.complete.Load() {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 || n >= len(s.lineOffsets) {
		return false
	}
	if n+1 < len(s.lineOffsets) {
		return true
	}
	// n is the last indexed line: its terminator may have been seen
	// already but not yet promoted into lineOffsets (hasPendingLineStart).
	return s.hasPendingLineStart
}

// GetAllContent returns a copy of the mapped region up to mappedSize()
// (spec §4.F.4).
func (s *Streaming) GetAllContent() []byte {
	safe := s.mappedSize()
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	if s.mapping == nil || safe == 0 {
		return nil
	}
	return append([]byte(nil), s.mapping[:safe]...)
}

// BytesDownloaded reports how many source (pre-transform) bytes have
// arrived so far — the offset a caller should resume
// getObjectStreaming from after a cache hit primed some initial
// content (spec §4.H step 4).
func (s *Streaming) BytesDownloaded() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesDownloaded
}

// Complete reports whether every source byte has been downloaded,
// transformed, and indexed.
func (s *Streaming) Complete() bool { return s.complete.Load() }
