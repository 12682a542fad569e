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

// Package browser implements the Browser Model (spec §4.G): the
// in-memory bucket and folder graph, navigation, the three prefetch
// triggers, and event application. It is the sole mutator of its own
// state, driven entirely by the consumer thread (spec §5).
package browser

import (
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/s3lens/s3lens/internal/engine"
	"github.com/s3lens/s3lens/internal/events"
)

// maxInitialPrefetch bounds the initial-page subfolder prefetch fan-out
// (spec §4.G.3 "up to 20").
const maxInitialPrefetch = 20

// hoverFileMaxBytes bounds the hover-file prefetch fetch (spec §4.G.3).
const hoverFileMaxBytes = 64 * 1024

// Engine is the subset of *engine.Engine the Browser Model drives.
// Declared here so tests can substitute a recording fake.
type Engine interface {
	ListBuckets()
	ListObjects(bucket, prefix, continuationToken string, cancel *engine.CancelFlag)
	ListObjectsPrefetch(bucket, prefix string, cancellable bool) *engine.CancelFlag
	GetObject(bucket, key string, maxBytes int64, lowPriority, cancellable bool) *engine.CancelFlag
	CancelAll()
	PrioritizeRequest(bucket, prefix string) bool
	HasPendingRequest(bucket, prefix string) bool
	SetProfile(name string) error
}

// PreviewManager is the subset of *previewmgr.Manager the Browser Model
// delegates file selection and content/range events to.
type PreviewManager interface {
	SelectFile(bucket, key string, size int64)
	Clear()
	OnObjectContentLoaded(e events.Event)
	OnObjectContentLoadError(e events.Event)
	OnObjectRangeLoaded(e events.Event)
	OnObjectRangeLoadError(e events.Event)
}

// FolderNode mirrors spec §3 FolderNode. Created lazily on first
// reference, mutated only by the consumer thread, destroyed on profile
// switch (the whole table is discarded, see SelectProfile).
type FolderNode struct {
	Bucket  string
	Prefix  string
	Objects []events.Object

	NextToken   string
	IsTruncated bool

	Loading bool
	Loaded  bool
	Error   string
}

func nodeKey(bucket, prefix string) string { return bucket + "/" + prefix }

// DisplaySize renders an object's size the way the UI layer consumes it
// (SPEC_FULL.md DOMAIN STACK: go-humanize bound here for object size
// formatting). Folders carry size 0 and are rendered without a size.
func DisplaySize(o events.Object) string {
	if o.IsFolder {
		return ""
	}
	return humanize.Bytes(uint64(o.Size))
}

// Model owns the bucket list, the FolderNode table, and the current
// navigation path (spec §4.G).
type Model struct {
	eng     Engine
	preview PreviewManager

	buckets    []events.Bucket
	bucketsErr string

	nodes map[string]*FolderNode

	currentBucket string
	currentPrefix string

	// paginationCancel is shared across every continuation of the
	// current folder's listing; navigating away sets it so any
	// in-flight continuation for the abandoned folder aborts (spec
	// §4.G.2).
	paginationCancel *engine.CancelFlag

	hoveredFolderKey    string
	hoveredFolderCancel *engine.CancelFlag
	hoveredFileKey      string
	hoveredFileCancel   *engine.CancelFlag
}

// New constructs a Model bound to the given engine facade and Preview
// Manager.
func New(eng Engine, preview PreviewManager) *Model {
	return &Model{eng: eng, preview: preview, nodes: map[string]*FolderNode{}}
}

// Buckets returns the last-loaded bucket list and any load error.
func (m *Model) Buckets() ([]events.Bucket, string) { return m.buckets, m.bucketsErr }

// CurrentPath reports the current navigation position. An empty bucket
// means the bucket-list root.
func (m *Model) CurrentPath() (bucket, prefix string) { return m.currentBucket, m.currentPrefix }

// Node returns the FolderNode for bucket/prefix, or nil if it has never
// been referenced.
func (m *Model) Node(bucket, prefix string) *FolderNode { return m.nodes[nodeKey(bucket, prefix)] }

func (m *Model) getOrCreateNode(bucket, prefix string) *FolderNode {
	k := nodeKey(bucket, prefix)
	n, ok := m.nodes[k]
	if !ok {
		n = &FolderNode{Bucket: bucket, Prefix: prefix}
		m.nodes[k] = n
	}
	return n
}

// ParseS3Path implements spec §4.G.1: "s3://b/p/q/" → ("b", "p/q/");
// "s3://" → ("", "") (root / bucket list); leading slashes after the
// scheme are stripped.
func ParseS3Path(path string) (bucket, prefix string) {
	rest := strings.TrimPrefix(path, "s3://")
	rest = strings.TrimLeft(rest, "/")
	if rest == "" {
		return "", ""
	}
	if i := strings.Index(rest, "/"); i >= 0 {
		return rest[:i], rest[i+1:]
	}
	return rest, ""
}

// Refresh re-issues ListBuckets.
func (m *Model) Refresh() { m.eng.ListBuckets() }

// NavigateTo parses path and navigates there (spec §4.G.1).
func (m *Model) NavigateTo(path string) {
	bucket, prefix := ParseS3Path(path)
	m.NavigateInto(bucket, prefix)
}

// NavigateInto sets the current path, clears any file selection, loads
// the folder, and — if already loaded from a prior prefetch — also
// triggers subfolder prefetch and resumes pagination if the node is
// truncated (spec §4.G.1).
func (m *Model) NavigateInto(bucket, prefix string) {
	m.abandonPagination()
	m.currentBucket, m.currentPrefix = bucket, prefix
	m.preview.Clear()

	node := m.getOrCreateNode(bucket, prefix)
	wasLoaded := node.Loaded

	m.LoadFolder(bucket, prefix)

	if wasLoaded {
		m.triggerSubfolderPrefetch(node)
		if node.IsTruncated {
			m.LoadMore()
		}
	}
}

// NavigateUp: from "p/q/" goes to "p/"; from "" goes back to the
// bucket-list root (spec §4.G.1).
func (m *Model) NavigateUp() {
	if m.currentBucket == "" {
		return
	}
	if m.currentPrefix == "" {
		m.NavigateInto("", "")
		return
	}
	trimmed := strings.TrimSuffix(m.currentPrefix, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		m.NavigateInto(m.currentBucket, trimmed[:i+1])
		return
	}
	m.NavigateInto(m.currentBucket, "")
}

// LoadFolder issues the first-page ListObjects call for bucket/prefix,
// or ListBuckets when bucket is empty (the root).
func (m *Model) LoadFolder(bucket, prefix string) {
	if bucket == "" {
		m.eng.ListBuckets()
		return
	}
	node := m.getOrCreateNode(bucket, prefix)
	node.Loading = true
	node.Error = ""
	m.eng.ListObjects(bucket, prefix, "", m.ensurePaginationCancel())
}

// LoadMore continues pagination for the current folder using its
// recorded next-continuation-token (spec §4.G.2).
func (m *Model) LoadMore() {
	if m.currentBucket == "" {
		return
	}
	node := m.Node(m.currentBucket, m.currentPrefix)
	if node == nil || !node.IsTruncated || node.Loading {
		return
	}
	node.Loading = true
	m.eng.ListObjects(m.currentBucket, m.currentPrefix, node.NextToken, m.ensurePaginationCancel())
}

func (m *Model) abandonPagination() {
	if m.paginationCancel != nil {
		m.paginationCancel.Cancel()
	}
	m.paginationCancel = nil
}

func (m *Model) ensurePaginationCancel() *engine.CancelFlag {
	if m.paginationCancel == nil {
		m.paginationCancel = engine.NewCancelFlag()
	}
	return m.paginationCancel
}

// SelectProfile switches the active engine profile and resets every
// piece of state scoped to the old one: the bucket list, the folder
// table, the current selection, and in-flight pagination (spec §4.D.1
// setProfile, applied at the Browser Model level).
func (m *Model) SelectProfile(name string) error {
	if err := m.eng.SetProfile(name); err != nil {
		return err
	}
	m.nodes = map[string]*FolderNode{}
	m.buckets = nil
	m.bucketsErr = ""
	m.currentBucket, m.currentPrefix = "", ""
	m.hoveredFolderKey, m.hoveredFolderCancel = "", nil
	m.hoveredFileKey, m.hoveredFileCancel = "", nil
	m.abandonPagination()
	m.preview.Clear()
	m.eng.ListBuckets()
	return nil
}

// AddManualBucket adds a bucket the user typed directly into the path
// bar, for environments where ListBuckets is unavailable (e.g. an IAM
// policy permitting GetObject/ListObjects on a known bucket but not
// ListAllMyBuckets). Supplemented from original_source's
// browser_model.h addManualBucket.
func (m *Model) AddManualBucket(bucket string) {
	for _, b := range m.buckets {
		if b.Name == bucket {
			return
		}
	}
	m.buckets = append(m.buckets, events.Bucket{Name: bucket})
}

// SelectFile delegates to the Preview Manager (spec §4.H selectFile).
func (m *Model) SelectFile(bucket, key string, size int64) {
	m.preview.SelectFile(bucket, key, size)
}

// PrefetchFolder is the hover-folder prefetch trigger (spec §4.G.3):
// queue one cancellable listObjectsPrefetch, but only on change of
// hovered folder, and reset the previously hovered folder's loading
// flag if a prior hover request set it (the cancellation prevents a
// stuck spinner on the node the user hovered away from).
func (m *Model) PrefetchFolder(bucket, prefix string) {
	key := nodeKey(bucket, prefix)
	if key == m.hoveredFolderKey {
		return
	}
	if prev := m.nodes[m.hoveredFolderKey]; prev != nil && prev.Loading {
		prev.Loading = false
	}
	m.hoveredFolderKey = key
	m.hoveredFolderCancel = nil

	node := m.getOrCreateNode(bucket, prefix)
	if node.Loaded || node.Loading || m.eng.HasPendingRequest(bucket, prefix) {
		return
	}
	node.Loading = true
	m.hoveredFolderCancel = m.eng.ListObjectsPrefetch(bucket, prefix, true)
}

// HoverFile is the hover-file prefetch trigger (spec §4.G.3): queue one
// cancellable getObject(max-bytes=64 KiB, low, cancellable), only on
// change of hovered file.
func (m *Model) HoverFile(bucket, key string) {
	fkey := nodeKey(bucket, key)
	if fkey == m.hoveredFileKey {
		return
	}
	m.hoveredFileKey = fkey
	m.hoveredFileCancel = m.eng.GetObject(bucket, key, hoverFileMaxBytes, true, true)
}

func (m *Model) triggerSubfolderPrefetch(node *FolderNode) {
	queued := 0
	for _, obj := range node.Objects {
		if queued >= maxInitialPrefetch {
			return
		}
		if !obj.IsFolder {
			continue
		}
		sub := m.getOrCreateNode(node.Bucket, obj.Key)
		if sub.Loaded || sub.Loading || m.eng.HasPendingRequest(node.Bucket, obj.Key) {
			continue
		}
		sub.Loading = true
		m.eng.ListObjectsPrefetch(node.Bucket, obj.Key, false)
		queued++
	}
}

// ProcessEvents drains and applies a batch of bus events (spec §4.G.4).
// Non-blocking: the consumer calls this once per UI frame after
// Bus.Take.
func (m *Model) ProcessEvents(evts []events.Event) {
	for _, e := range evts {
		m.applyEvent(e)
	}
}

func (m *Model) applyEvent(e events.Event) {
	switch e.Kind {
	case events.BucketsLoaded:
		m.buckets = e.Buckets
		m.bucketsErr = ""
	case events.BucketsLoadError:
		m.bucketsErr = e.Message
	case events.ObjectsLoaded:
		m.applyObjectsLoaded(e)
	case events.ObjectsLoadError:
		node := m.getOrCreateNode(e.Bucket, e.Prefix)
		node.Loading = false
		node.Error = e.Message
	case events.ObjectContentLoaded:
		m.preview.OnObjectContentLoaded(e)
	case events.ObjectContentLoadError:
		m.preview.OnObjectContentLoadError(e)
	case events.ObjectRangeLoaded:
		m.preview.OnObjectRangeLoaded(e)
	case events.ObjectRangeLoadError:
		m.preview.OnObjectRangeLoadError(e)
	}
}

// applyObjectsLoaded implements spec §4.G.4 ObjectsLoaded handling plus
// the §4.G.2 auto-pagination and initial-page prefetch triggers.
func (m *Model) applyObjectsLoaded(e events.Event) {
	node := m.getOrCreateNode(e.Bucket, e.Prefix)

	if e.SentToken == "" {
		node.Objects = append([]events.Object(nil), e.Objects...)
	} else {
		seen := make(map[string]bool, len(node.Objects))
		for _, o := range node.Objects {
			seen[o.Key] = true
		}
		for _, o := range e.Objects {
			if seen[o.Key] {
				continue
			}
			node.Objects = append(node.Objects, o)
			seen[o.Key] = true
		}
	}

	node.NextToken = e.NextToken
	node.IsTruncated = e.IsTruncated
	node.Loaded = true
	node.Loading = false
	node.Error = ""

	isCurrent := e.Bucket == m.currentBucket && e.Prefix == m.currentPrefix
	if isCurrent {
		if e.IsTruncated {
			m.LoadMore()
		}
		if e.SentToken == "" {
			m.triggerSubfolderPrefetch(node)
		}
	}
}
