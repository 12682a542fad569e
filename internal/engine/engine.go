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

package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	perrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/s3lens/s3lens/internal/events"
	"github.com/s3lens/s3lens/internal/profile"
	"github.com/s3lens/s3lens/internal/signer"
	"github.com/s3lens/s3lens/internal/transport"
)

// DefaultWorkers is the per-queue worker count (spec §4.D "default 5").
const DefaultWorkers = 5

// httpClient is the subset of transport.Client the engine depends on,
// narrowed to an interface so tests can substitute a deterministic fake
// (spec §9 "Dynamic dispatch": the engine is presented through a
// capability set; tests may substitute an in-memory variant).
type httpClient interface {
	Buffered(ctx context.Context, url string, header http.Header, timeout time.Duration, cancel transport.CancelFlag) (transport.Result, error)
	BufferedWithRange(ctx context.Context, url string, header http.Header, timeout time.Duration, cancel transport.CancelFlag) (transport.Result, error)
	Chunked(ctx context.Context, url string, header http.Header, timeout time.Duration, cancel transport.CancelFlag, chunkSize int, fn transport.ChunkFunc) error
}

// ResolveProfile resolves a profile by name, e.g. profile.Store.Load
// filtered by name. Returning an error drops the profile switch (the
// caller keeps whatever profile it had).
type ResolveProfile func(name string) (profile.Profile, error)

// Config configures a new Engine.
type Config struct {
	Workers     int
	HTTPClient  httpClient
	Now         func() time.Time
	Resolve     ResolveProfile
	ChunkSize   int
}

// Engine is the Request Engine (spec §4.D).
type Engine struct {
	bus    *events.Bus
	client httpClient
	now    func() time.Time
	resolve ResolveProfile
	chunkSize int

	mu      sync.Mutex
	profile profile.Profile

	region *regionCache

	high *queue
	low  *queue

	workers int
	wg      sync.WaitGroup

	hoverMu            sync.Mutex
	folderHoverCancel  *CancelFlag
	fileHoverCancel    *CancelFlag

	shutdownOnce sync.Once
}

// New constructs an Engine bound to bus and started with the given
// profile. Call Start to spin up the worker pool.
func New(cfg Config, bus *events.Bus, initial profile.Profile) *Engine {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	client := cfg.HTTPClient
	if client == nil {
		client = transport.NewClient()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = transport.DefaultChunkSize
	}
	return &Engine{
		bus:       bus,
		client:    client,
		now:       now,
		resolve:   cfg.Resolve,
		chunkSize: chunkSize,
		profile:   initial,
		region:    newRegionCache(),
		high:      newQueue(),
		low:       newQueue(),
		workers:   workers,
	}
}

// Start launches the worker pool: Workers goroutines on the High queue,
// Workers on the Low queue (spec §5 "N High-priority workers... N
// Low-priority workers").
func (e *Engine) Start() {
	for i := 0; i < e.workers; i++ {
		e.wg.Add(2)
		go e.runWorker(e.high)
		go e.runWorker(e.low)
	}
}

// Shutdown implements spec §5: cancelAll, then one Shutdown WorkItem per
// worker in each queue, then join.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.CancelAll()
		for i := 0; i < e.workers; i++ {
			e.high.PushBack(WorkItem{Kind: KindShutdown})
			e.low.PushBack(WorkItem{Kind: KindShutdown})
		}
		e.wg.Wait()
	})
}

func (e *Engine) runWorker(q *queue) {
	defer e.wg.Done()
	for {
		item, ok := q.Pop()
		if !ok {
			return
		}
		if item.Kind == KindShutdown {
			return
		}
		e.dispatch(item)
	}
}

func (e *Engine) currentProfile() profile.Profile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.profile
}

// --- Public operations (spec §4.D.1) ---

// ListBuckets enqueues a High-priority ListBuckets call.
func (e *Engine) ListBuckets() {
	e.high.PushBack(newWorkItem(KindListBuckets, High))
}

// ListObjects enqueues a High-priority ListObjects call.
func (e *Engine) ListObjects(bucket, prefix, continuationToken string, cancel *CancelFlag) {
	w := newWorkItem(KindListObjects, High)
	w.Bucket = bucket
	w.Prefix = prefix
	w.ContinuationToken = continuationToken
	w.Cancel = cancel
	e.high.PushBack(w)
}

// ListObjectsPrefetch enqueues a Low-priority ListObjects call. When
// cancellable, it replaces the engine-held folder hover cancel flag,
// cancelling any in-flight hover request for the previous folder (spec
// §4.D.1).
func (e *Engine) ListObjectsPrefetch(bucket, prefix string, cancellable bool) *CancelFlag {
	w := newWorkItem(KindListObjects, Low)
	w.Bucket = bucket
	w.Prefix = prefix

	var flag *CancelFlag
	if cancellable {
		flag = e.swapHoverCancel(&e.folderHoverCancel)
		w.Cancel = flag
	}
	e.low.PushBack(w)
	return flag
}

// GetObject enqueues a getObject call, High or Low depending on
// lowPriority, applying the same hover-cancel rule as
// ListObjectsPrefetch when cancellable.
func (e *Engine) GetObject(bucket, key string, maxBytes int64, lowPriority, cancellable bool) *CancelFlag {
	priority := High
	if lowPriority {
		priority = Low
	}
	w := newWorkItem(KindGetObject, priority)
	w.Bucket = bucket
	w.Key = key
	w.MaxBytes = maxBytes

	var flag *CancelFlag
	if cancellable {
		flag = e.swapHoverCancel(&e.fileHoverCancel)
		w.Cancel = flag
	}
	if priority == High {
		e.high.PushBack(w)
	} else {
		e.low.PushBack(w)
	}
	return flag
}

// swapHoverCancel cancels *slot (if set), installs a fresh flag in its
// place, and returns the new flag. Guarded by hoverMu since any enqueuer
// goroutine may call this concurrently (spec §5 "Hover cancel-flag slot").
func (e *Engine) swapHoverCancel(slot **CancelFlag) *CancelFlag {
	e.hoverMu.Lock()
	defer e.hoverMu.Unlock()
	if *slot != nil {
		(*slot).Cancel()
	}
	fresh := NewCancelFlag()
	*slot = fresh
	return fresh
}

// GetObjectRange enqueues a single ranged, buffered request (spec
// §4.D.1).
func (e *Engine) GetObjectRange(bucket, key string, start, end int64, cancel *CancelFlag) {
	w := newWorkItem(KindGetObjectRange, High)
	w.Bucket = bucket
	w.Key = key
	w.RangeStart = start
	w.RangeEnd = end
	w.Cancel = cancel
	e.high.PushBack(w)
}

// GetObjectStreaming enqueues a single open-ended ranged, chunked
// request (spec §4.D.1).
func (e *Engine) GetObjectStreaming(bucket, key string, start, totalSize int64, cancel *CancelFlag) {
	w := newWorkItem(KindGetObjectStreaming, High)
	w.Bucket = bucket
	w.Key = key
	w.RangeStart = start
	w.RangeEnd = -1
	w.TotalSize = totalSize
	w.Cancel = cancel
	e.high.PushBack(w)
}

// CancelAll clears both queues without touching in-flight transfers
// (spec §4.D.1).
func (e *Engine) CancelAll() {
	e.high.Clear()
	e.low.Clear()
}

// PrioritizeRequest implements the §4.D.2 boost algorithm for a folder
// listing.
func (e *Engine) PrioritizeRequest(bucket, prefix string) bool {
	return e.boost(func(w WorkItem) bool { return w.MatchesFolder(bucket, prefix) })
}

// PrioritizeObjectRequest implements the §4.D.2 boost algorithm for an
// object fetch.
func (e *Engine) PrioritizeObjectRequest(bucket, key string) bool {
	return e.boost(func(w WorkItem) bool { return w.MatchesObject(bucket, key) })
}

func (e *Engine) boost(match func(WorkItem) bool) bool {
	if w, ok := e.low.RemoveMatching(match); ok {
		w.Priority = High
		w.Cancel = nil // user commitment is final (spec §4.D.2)
		e.high.PushFront(w)
		return true
	}
	if e.high.AnyMatches(match) {
		return true
	}
	return false
}

// HasPendingRequest scans both queues for a matching folder listing.
func (e *Engine) HasPendingRequest(bucket, prefix string) bool {
	match := func(w WorkItem) bool { return w.MatchesFolder(bucket, prefix) }
	return e.high.AnyMatches(match) || e.low.AnyMatches(match)
}

// HasPendingObjectRequest scans both queues for a matching object fetch.
func (e *Engine) HasPendingObjectRequest(bucket, key string) bool {
	match := func(w WorkItem) bool { return w.MatchesObject(bucket, key) }
	return e.high.AnyMatches(match) || e.low.AnyMatches(match)
}

// SetProfile implements spec §4.D.1 setProfile: cancel queued items,
// clear the region cache, refresh credentials from disk for name, and
// install the resolved profile.
func (e *Engine) SetProfile(name string) error {
	e.CancelAll()
	e.region.Clear()

	if e.resolve == nil {
		return perrors.New("engine: no profile resolver configured")
	}
	p, err := e.resolve(name)
	if err != nil {
		return fmt.Errorf("resolving profile %q: %w", name, err)
	}

	e.mu.Lock()
	e.profile = p
	e.mu.Unlock()
	return nil
}

// --- dispatch ---

func (e *Engine) dispatch(item WorkItem) {
	if item.Cancel.Cancelled() {
		return
	}

	p := e.currentProfile()
	region, err := e.regionFor(p, item.Bucket)
	if err != nil {
		e.emitError(item, err.Error())
		return
	}

	e.dispatchWithRegion(item, p, region, true)
}

// regionFor resolves the region to attempt first: the cache, else the
// profile's region. Spec §7 "Region empty": if neither yields anything,
// that is an immediate configuration error, no network call made.
func (e *Engine) regionFor(p profile.Profile, bucket string) (string, error) {
	if bucket != "" {
		if cached, ok := e.region.Get(bucket); ok && cached != "" {
			return cached, nil
		}
	}
	if p.Region != "" {
		return p.Region, nil
	}
	return "", perrors.New("region is not configured")
}

// dispatchWithRegion performs one attempt, handling the single permitted
// redirect retry (spec §4.D.4 / §4.D.6).
func (e *Engine) dispatchWithRegion(item WorkItem, p profile.Profile, region string, allowRetry bool) {
	if item.Cancel.Cancelled() {
		return
	}

	result, respErr := e.perform(item, p, region)

	var statusErr *transport.StatusError
	if errors.As(respErr, &statusErr) {
		if s3err, ok := parseS3Error(string(statusErr.Body)); ok {
			if s3err.Code == "PermanentRedirect" && allowRetry {
				newRegion := discoverRegion(s3err.Endpoint, item.Bucket)
				if newRegion != region {
					e.region.Set(item.Bucket, newRegion)
					logrus.WithFields(logrus.Fields{"bucket": item.Bucket, "region": newRegion}).
						Info("retrying after PermanentRedirect")
					e.dispatchWithRegion(item, p, newRegion, false)
					return
				}
			}
			e.emitError(item, s3err.Error())
			return
		}
		e.emitError(item, fmt.Sprintf("http status %d", statusErr.StatusCode))
		return
	}

	if errors.Is(respErr, transport.ErrCancelled) {
		return // silently discarded, no event (spec §7)
	}
	if respErr != nil {
		e.emitError(item, fmt.Sprintf("ERROR: %s", respErr.Error()))
		return
	}

	if item.Bucket != "" {
		e.region.Set(item.Bucket, region)
	}
	e.emitSuccess(item, result)
}

func (e *Engine) perform(item WorkItem, p profile.Profile, region string) (transport.Result, error) {
	switch item.Kind {
	case KindListBuckets:
		return e.performListBuckets(p, region)
	case KindListObjects:
		return e.performListObjects(item, p, region)
	case KindGetObject:
		return e.performGetObject(item, p, region)
	case KindGetObjectRange:
		return e.performGetObjectRange(item, p, region)
	case KindGetObjectStreaming:
		return transport.Result{}, e.performGetObjectStreaming(item, p, region)
	default:
		return transport.Result{}, fmt.Errorf("unknown work kind %d", item.Kind)
	}
}

func (e *Engine) sign(p profile.Profile, region, method, bucket, key string, query map[string][]string) (string, http.Header) {
	host, path, secure := hostAndPath(p, region, bucket, key)
	req := signer.Request{
		Method:       method,
		Host:         host,
		Path:         path,
		Query:        query,
		Region:       region,
		AccessKey:    p.AccessKey,
		SecretKey:    p.SecretKey,
		SessionToken: p.Session,
		Secure:       secure,
	}
	signed := signer.Sign(req, e.now())
	return signed.URL, signed.Header
}

func (e *Engine) performListBuckets(p profile.Profile, region string) (transport.Result, error) {
	u, header := e.sign(p, region, "GET", "", "", nil)
	return e.client.Buffered(context.Background(), u, header, transport.DefaultTimeout, nil)
}

func (e *Engine) performListObjects(item WorkItem, p profile.Profile, region string) (transport.Result, error) {
	q := listObjectsQuery(item.Prefix, item.ContinuationToken)
	u, header := e.sign(p, region, "GET", item.Bucket, "", q)
	return e.client.Buffered(context.Background(), u, header, transport.DefaultTimeout, cancelOrNil(item.Cancel))
}

func (e *Engine) performGetObject(item WorkItem, p profile.Profile, region string) (transport.Result, error) {
	u, header := e.sign(p, region, "GET", item.Bucket, item.Key, nil)
	if item.MaxBytes > 0 {
		header.Set("Range", fmt.Sprintf("bytes=0-%d", item.MaxBytes-1))
	}
	return e.client.Buffered(context.Background(), u, header, transport.DefaultTimeout, cancelOrNil(item.Cancel))
}

func (e *Engine) performGetObjectRange(item WorkItem, p profile.Profile, region string) (transport.Result, error) {
	u, header := e.sign(p, region, "GET", item.Bucket, item.Key, nil)
	header.Set("Range", fmt.Sprintf("bytes=%d-%d", item.RangeStart, item.RangeEnd))
	return e.client.BufferedWithRange(context.Background(), u, header, transport.RangedTimeout, cancelOrNil(item.Cancel))
}

func (e *Engine) performGetObjectStreaming(item WorkItem, p profile.Profile, region string) error {
	u, header := e.sign(p, region, "GET", item.Bucket, item.Key, nil)
	header.Set("Range", fmt.Sprintf("bytes=%d-", item.RangeStart))

	return e.client.Chunked(context.Background(), u, header, transport.StreamingTimeout, cancelOrNil(item.Cancel), e.chunkSize, func(data []byte, chunkOffset int64) error {
		e.bus.Push(events.Event{
			Kind:      events.ObjectRangeLoaded,
			Bucket:    item.Bucket,
			Key:       item.Key,
			StartByte: item.RangeStart + chunkOffset,
			TotalSize: item.TotalSize,
			HasTotal:  true,
			Data:      data,
		})
		return nil
	})
}

func cancelOrNil(c *CancelFlag) transport.CancelFlag {
	if c == nil {
		return nil
	}
	return c
}

// --- event emission ---

func (e *Engine) emitError(item WorkItem, message string) {
	switch item.Kind {
	case KindListBuckets:
		e.bus.Push(events.Event{Kind: events.BucketsLoadError, Message: message})
	case KindListObjects:
		e.bus.Push(events.Event{Kind: events.ObjectsLoadError, Bucket: item.Bucket, Prefix: item.Prefix, Message: message})
	case KindGetObject:
		e.bus.Push(events.Event{Kind: events.ObjectContentLoadError, Bucket: item.Bucket, Key: item.Key, Message: message})
	case KindGetObjectRange, KindGetObjectStreaming:
		e.bus.Push(events.Event{Kind: events.ObjectRangeLoadError, Bucket: item.Bucket, Key: item.Key, Message: message})
	}
	logrus.WithFields(logrus.Fields{"bucket": item.Bucket, "key": item.Key, "prefix": item.Prefix}).
		Warn(message)
}

func (e *Engine) emitSuccess(item WorkItem, result transport.Result) {
	switch item.Kind {
	case KindListBuckets:
		e.bus.Push(events.Event{Kind: events.BucketsLoaded, Buckets: parseListBuckets(string(result.Body))})
	case KindListObjects:
		parsed := parseListObjects(string(result.Body))
		e.bus.Push(events.Event{
			Kind:        events.ObjectsLoaded,
			Bucket:      item.Bucket,
			Prefix:      item.Prefix,
			SentToken:   item.ContinuationToken,
			Objects:     parsed.Objects,
			NextToken:   parsed.NextToken,
			IsTruncated: parsed.IsTruncated,
		})
	case KindGetObject:
		e.bus.Push(events.Event{
			Kind:      events.ObjectContentLoaded,
			Bucket:    item.Bucket,
			Key:       item.Key,
			Content:   result.Body,
			TotalSize: result.ContentRangeTotal,
			HasTotal:  result.ContentRangeTotal >= 0,
		})
	case KindGetObjectRange:
		total := result.ContentRangeTotal
		if total < 0 {
			total = int64(len(result.Body))
		}
		e.bus.Push(events.Event{
			Kind:      events.ObjectRangeLoaded,
			Bucket:    item.Bucket,
			Key:       item.Key,
			StartByte: item.RangeStart,
			TotalSize: total,
			HasTotal:  true,
			Data:      result.Body,
		})
	}
}
