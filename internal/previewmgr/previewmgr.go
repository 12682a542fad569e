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

// Package previewmgr implements the Preview Manager (spec §4.H): it
// binds the Browser Model's current file selection to a bounded content
// cache and, for large or compressed objects, a Streaming Preview, while
// coalescing with any pending hover prefetch already in flight.
package previewmgr

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/s3lens/s3lens/internal/engine"
	"github.com/s3lens/s3lens/internal/events"
	"github.com/s3lens/s3lens/internal/preview"
)

// Named constants from original_source's s6ui (SPEC_FULL.md supplemented
// feature 3), rather than inlined magic numbers.
const (
	PreviewMaxBytes    = 64 * 1024
	StreamingThreshold = 64 * 1024
	StreamingChunkSize = 1024 * 1024

	defaultCacheEntries = 64
)

// previewableExtensions is the allow-list driving isPreviewSupported,
// mirrored from the original's text-like/structured format list
// (SPEC_FULL.md supplemented feature 2a). Extensions are logical, i.e.
// post-decompression (SelectTransform already strips .gz/.zst).
var previewableExtensions = map[string]bool{
	"":     true, // extension-less files (README, LICENSE, syslog) are usually text
	"txt":  true, "log": true, "md": true, "markdown": true,
	"json": true, "yaml": true, "yml": true, "toml": true, "ini": true, "cfg": true, "conf": true,
	"csv": true, "tsv": true, "xml": true, "html": true, "htm": true,
	"go": true, "py": true, "js": true, "ts": true, "java": true, "rb": true, "rs": true,
	"c": true, "h": true, "cpp": true, "hpp": true, "sh": true, "sql": true, "proto": true,
}

func isPreviewSupported(logicalExt string) bool {
	return previewableExtensions[strings.ToLower(logicalExt)]
}

// Engine is the subset of *engine.Engine the manager drives. Declared
// here so tests can substitute a recording fake.
type Engine interface {
	GetObject(bucket, key string, maxBytes int64, lowPriority, cancellable bool) *engine.CancelFlag
	GetObjectStreaming(bucket, key string, start, totalSize int64, cancel *engine.CancelFlag)
	PrioritizeObjectRequest(bucket, key string) bool
}

// cacheKey derives the bucket/key composite the content cache is keyed
// by.
func cacheKey(bucket, key string) string { return bucket + "/" + key }

// Manager owns the current selection, cache, and active Streaming
// Preview. It is mutated only by the consumer thread (spec §5), so it
// carries no internal locking of its own.
type Manager struct {
	eng   Engine
	cache *lru.Cache[string, []byte]

	bucket, key string
	size        int64
	supported   bool
	compressed  bool
	logicalExt  string

	content  []byte
	errMsg   string
	hasTotal bool
	total    int64

	streaming       *preview.Streaming
	streamCancel    *engine.CancelFlag
	streamStarted   bool
}

// New constructs a Manager with the default-sized bounded cache.
func New(eng Engine) *Manager {
	cache, err := lru.New[string, []byte](defaultCacheEntries)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// defaultCacheEntries never is.
		panic(fmt.Sprintf("previewmgr: building cache: %v", err))
	}
	return &Manager{eng: eng, cache: cache}
}

// Selection reports the object currently selected, if any.
func (m *Manager) Selection() (bucket, key string, ok bool) {
	return m.bucket, m.key, m.key != ""
}

// Content returns whatever preview content has been loaded so far for
// the current selection (cache hit, a completed getObject, or the
// prefix of a still-streaming file).
func (m *Manager) Content() []byte { return m.content }

// Error returns the last recorded load error for the current selection,
// if any.
func (m *Manager) Error() string { return m.errMsg }

// Supported reports whether the current selection's extension is on the
// preview allow-list.
func (m *Manager) Supported() bool { return m.supported }

// Streaming returns the active Streaming Preview for the current
// selection, or nil if none is active.
func (m *Manager) Streaming() *preview.Streaming { return m.streaming }

// SelectFile implements spec §4.H selectFile.
func (m *Manager) SelectFile(bucket, key string, size int64) {
	if bucket == m.bucket && key == m.key {
		return // step 1: same selection, no-op
	}

	m.cancelStreaming() // step 2

	// step 3
	m.bucket, m.key, m.size = bucket, key, size
	m.content = nil
	m.errMsg = ""
	m.hasTotal = false
	m.total = size
	m.streamStarted = false

	transform, logicalExt := preview.SelectTransform(key)
	_, isPassThrough := transform.(preview.PassThrough)
	m.compressed = !isPassThrough
	m.logicalExt = logicalExt
	m.supported = isPreviewSupported(logicalExt)
	if !m.supported {
		return
	}

	if cached, ok := m.cache.Get(cacheKey(bucket, key)); ok {
		// step 4
		m.content = cached
		if m.warrantsStreaming() {
			m.startStreaming(int64(len(cached)))
		}
		return
	}

	if m.eng.PrioritizeObjectRequest(bucket, key) {
		return // step 5: boosted prefetch will arrive via ObjectContentLoaded
	}

	// step 6
	m.eng.GetObject(bucket, key, PreviewMaxBytes, false, false)
}

func (m *Manager) warrantsStreaming() bool {
	return m.compressed || m.size > StreamingThreshold
}

func (m *Manager) startStreaming(bytesAlreadyPresent int64) {
	transform, _ := preview.SelectTransform(m.key)
	sp, err := preview.New(m.total, transform)
	if err != nil {
		logrus.WithFields(logrus.Fields{"bucket": m.bucket, "key": m.key}).WithError(err).
			Warn("failed to construct streaming preview")
		return
	}
	m.streaming = sp
	m.streamCancel = engine.NewCancelFlag()
	m.streamStarted = true
	m.eng.GetObjectStreaming(m.bucket, m.key, bytesAlreadyPresent, m.total, m.streamCancel)
}

func (m *Manager) cancelStreaming() {
	if m.streamCancel != nil {
		m.streamCancel.Cancel()
	}
	if m.streaming != nil {
		if err := m.streaming.Close(); err != nil {
			logrus.WithError(err).Warn("closing streaming preview")
		}
	}
	m.streaming = nil
	m.streamCancel = nil
}

// Clear cancels any active streaming and resets the selection to none,
// without issuing any fetch. Used by the Browser Model when navigation
// leaves no file selected (spec §4.G.1 "clears any file selection").
func (m *Manager) Clear() {
	m.cancelStreaming()
	m.bucket, m.key = "", ""
	m.size = 0
	m.content = nil
	m.errMsg = ""
	m.hasTotal = false
	m.total = 0
	m.streamStarted = false
	m.supported = false
	m.compressed = false
	m.logicalExt = ""
}

func (m *Manager) matchesSelection(bucket, key string) bool {
	return bucket == m.bucket && key == m.key
}

// OnObjectContentLoaded handles the ObjectContentLoaded event for the
// current selection (spec §4.H).
func (m *Manager) OnObjectContentLoaded(e events.Event) {
	if !m.matchesSelection(e.Bucket, e.Key) {
		return
	}
	m.content = e.Content
	m.errMsg = ""
	m.cache.Add(cacheKey(e.Bucket, e.Key), e.Content)
	if e.HasTotal {
		m.total = e.TotalSize
		m.hasTotal = true
	}

	if !m.streamStarted && m.warrantsStreaming() {
		m.startStreaming(int64(len(e.Content)))
	}
}

// OnObjectContentLoadError handles ObjectContentLoadError for the
// current selection.
func (m *Manager) OnObjectContentLoadError(e events.Event) {
	if !m.matchesSelection(e.Bucket, e.Key) {
		return
	}
	m.errMsg = e.Message
}

// OnObjectRangeLoaded appends a streaming chunk to the active Streaming
// Preview (spec §4.H "On ObjectRangeLoaded ... appendChunk").
func (m *Manager) OnObjectRangeLoaded(e events.Event) {
	if m.streaming == nil || !m.matchesSelection(e.Bucket, e.Key) {
		return
	}
	if err := m.streaming.AppendChunk(e.Data, e.StartByte); err != nil {
		logrus.WithFields(logrus.Fields{"bucket": e.Bucket, "key": e.Key}).WithError(err).
			Warn("appending streaming preview chunk")
	}
}

// OnObjectRangeLoadError records a streaming load failure for the
// current selection.
func (m *Manager) OnObjectRangeLoadError(e events.Event) {
	if !m.matchesSelection(e.Bucket, e.Key) {
		return
	}
	m.errMsg = e.Message
}
