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
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/s3lens/s3lens/internal/events"
	"github.com/s3lens/s3lens/internal/profile"
	"github.com/s3lens/s3lens/internal/transport"
)

// fakeCall records one invocation the fake client observed, keyed loosely
// by the URL dispatch built so tests can assert ordering and redirect
// retries without a real network.
type fakeCall struct {
	url    string
	header http.Header
}

// fakeClient is a scripted httpClient: each call to next() advances
// through a queue of canned (result, err) pairs, recording every request
// it saw along the way.
type fakeClient struct {
	mu    sync.Mutex
	calls []fakeCall
	queue []struct {
		result transport.Result
		err    error
	}
}

func (f *fakeClient) push(result transport.Result, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, struct {
		result transport.Result
		err    error
	}{result, err})
}

func (f *fakeClient) record(u string, h http.Header) (transport.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{url: u, header: h.Clone()})
	if len(f.queue) == 0 {
		return transport.Result{ContentRangeTotal: -1}, nil
	}
	next := f.queue[0]
	f.queue = f.queue[1:]
	return next.result, next.err
}

func (f *fakeClient) Buffered(_ context.Context, u string, h http.Header, _ time.Duration, _ transport.CancelFlag) (transport.Result, error) {
	return f.record(u, h)
}

func (f *fakeClient) BufferedWithRange(_ context.Context, u string, h http.Header, _ time.Duration, _ transport.CancelFlag) (transport.Result, error) {
	return f.record(u, h)
}

func (f *fakeClient) Chunked(_ context.Context, u string, h http.Header, _ time.Duration, _ transport.CancelFlag, _ int, fn transport.ChunkFunc) error {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{url: u, header: h.Clone()})
	f.mu.Unlock()
	return fn([]byte("chunk"), 0)
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeClient) urlAt(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i].url
}

func testEngine(t *testing.T, client *fakeClient) (*Engine, *events.Bus) {
	t.Helper()
	bus := events.NewBus(nil)
	e := New(Config{
		HTTPClient: client,
		Now:        func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}, bus, profile.Profile{
		Name: "default", Region: "us-east-1", AccessKey: "AKIA", SecretKey: "secret",
	})
	return e, bus
}

// Testable Property 9: a PermanentRedirect response causes exactly one
// retry against the discovered region, and the resolved region is
// cached for subsequent calls to the same bucket.
func TestDispatch_PermanentRedirectRetriesOnce(t *testing.T) {
	client := &fakeClient{}
	client.push(transport.Result{}, &transport.StatusError{
		StatusCode: http.StatusMovedPermanently,
		Body:       []byte(`<Error><Code>PermanentRedirect</Code><Message>wrong region</Message><Endpoint>mybucket.s3.eu-west-1.amazonaws.com</Endpoint></Error>`),
	})
	client.push(transport.Result{Body: []byte(`<ListBucketResult><IsTruncated>false</IsTruncated></ListBucketResult>`)}, nil)

	e, bus := testEngine(t, client)

	w := newWorkItem(KindListObjects, High)
	w.Bucket = "mybucket"
	e.dispatch(w)

	require.Equal(t, 2, client.callCount())
	require.Contains(t, client.urlAt(0), "mybucket.s3.us-east-1.amazonaws.com")
	require.Contains(t, client.urlAt(1), "mybucket.s3.eu-west-1.amazonaws.com")

	cached, ok := e.region.Get("mybucket")
	require.True(t, ok)
	require.Equal(t, "eu-west-1", cached)

	taken := bus.Take()
	require.Len(t, taken, 1)
	require.Equal(t, events.ObjectsLoaded, taken[0].Kind)
}

// A redirect to the same region the caller already attempted is reported
// as an error instead of looping.
func TestDispatch_RedirectToSameRegionIsError(t *testing.T) {
	client := &fakeClient{}
	client.push(transport.Result{}, &transport.StatusError{
		StatusCode: http.StatusMovedPermanently,
		Body:       []byte(`<Error><Code>PermanentRedirect</Code><Message>x</Message></Error>`),
	})

	e, bus := testEngine(t, client)
	w := newWorkItem(KindListObjects, High)
	w.Bucket = "us-east-1-bucket" // region substring resolves to the same region already tried
	e.dispatch(w)

	require.Equal(t, 1, client.callCount())
	taken := bus.Take()
	require.Len(t, taken, 1)
	require.Equal(t, events.ObjectsLoadError, taken[0].Kind)
}

// Region-less dispatch never touches the network (spec §7 "Region
// empty").
func TestDispatch_NoRegionIsImmediateError(t *testing.T) {
	client := &fakeClient{}
	bus := events.NewBus(nil)
	e := New(Config{HTTPClient: client, Now: time.Now}, bus, profile.Profile{
		Name: "default", AccessKey: "AKIA", SecretKey: "secret",
	})

	e.dispatch(newWorkItem(KindListBuckets, High))

	require.Equal(t, 0, client.callCount())
	taken := bus.Take()
	require.Len(t, taken, 1)
	require.Equal(t, events.BucketsLoadError, taken[0].Kind)
}

// A cancelled item is dropped before any HTTP call and produces no
// event (spec §7).
func TestDispatch_CancelledItemIsDiscarded(t *testing.T) {
	client := &fakeClient{}
	e, bus := testEngine(t, client)

	flag := NewCancelFlag()
	flag.Cancel()
	w := newWorkItem(KindListObjects, High)
	w.Bucket = "b"
	w.Cancel = flag
	e.dispatch(w)

	require.Equal(t, 0, client.callCount())
	require.Empty(t, bus.Take())
}

// S3 error bodies surface as the literal "Code: Message" string (spec
// §4.D.5 / §9).
func TestDispatch_S3ErrorSurfacesCodeAndMessage(t *testing.T) {
	client := &fakeClient{}
	client.push(transport.Result{}, &transport.StatusError{
		StatusCode: http.StatusForbidden,
		Body:       []byte(`<Error><Code>AccessDenied</Code><Message>denied</Message></Error>`),
	})
	e, bus := testEngine(t, client)

	w := newWorkItem(KindGetObject, High)
	w.Bucket = "b"
	w.Key = "k"
	e.dispatch(w)

	taken := bus.Take()
	require.Len(t, taken, 1)
	require.Equal(t, events.ObjectContentLoadError, taken[0].Kind)
	require.Equal(t, "AccessDenied: denied", taken[0].Message)
}

// Testable Property 5: with both queues populated, popping the High
// queue yields the High item and leaves the Low queue untouched —
// verified here at the queue level, since each priority tier owns its
// own queue and its own workers.
func TestQueueDiscipline_HighDrainsIndependentlyOfLow(t *testing.T) {
	e, _ := testEngine(t, &fakeClient{})

	low := newWorkItem(KindListObjects, Low)
	low.Bucket, low.Prefix = "b", "low/"
	e.low.PushBack(low)

	high := newWorkItem(KindListObjects, High)
	high.Bucket, high.Prefix = "b", "high/"
	e.high.PushBack(high)

	poppedHigh, ok := e.high.Pop()
	require.True(t, ok)
	require.Equal(t, "high/", poppedHigh.Prefix)

	require.Equal(t, 1, e.low.Len())
}

// Testable Property 6: boosting a queued Low item moves it to the front
// of High, clears its cancel flag (a boosted request can no longer be
// cancelled by further hovering), and reports true.
func TestPrioritizeRequest_PromotesFromLowToFrontOfHigh(t *testing.T) {
	e, _ := testEngine(t, &fakeClient{})

	cancel := NewCancelFlag()
	low := newWorkItem(KindListObjects, Low)
	low.Bucket, low.Prefix = "bucket", "prefix/"
	low.Cancel = cancel
	e.low.PushBack(low)

	existingHigh := newWorkItem(KindListObjects, High)
	existingHigh.Bucket, existingHigh.Prefix = "bucket", "other/"
	e.high.PushBack(existingHigh)

	ok := e.PrioritizeRequest("bucket", "prefix/")
	require.True(t, ok)

	snap := e.high.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "prefix/", snap[0].Prefix, "boosted item goes to the front")
	require.Equal(t, High, snap[0].Priority)
	require.Nil(t, snap[0].Cancel)
	require.Equal(t, 0, e.low.Len())
}

// Boosting a request already in High reports true without duplicating
// it.
func TestPrioritizeRequest_AlreadyHighReportsTrueNoOp(t *testing.T) {
	e, _ := testEngine(t, &fakeClient{})
	high := newWorkItem(KindListObjects, High)
	high.Bucket, high.Prefix = "bucket", "prefix/"
	e.high.PushBack(high)

	ok := e.PrioritizeRequest("bucket", "prefix/")
	require.True(t, ok)
	require.Len(t, e.high.Snapshot(), 1)
}

// Boosting something not queued at all reports false.
func TestPrioritizeRequest_NotQueuedReportsFalse(t *testing.T) {
	e, _ := testEngine(t, &fakeClient{})
	require.False(t, e.PrioritizeRequest("bucket", "prefix/"))
}

// A second cancellable hover for a different target cancels the
// previous hover's flag (coalescing via the engine-held slot), and the
// new hover's own flag stays unset.
func TestHoverCancel_SecondHoverCancelsFirst(t *testing.T) {
	e, _ := testEngine(t, &fakeClient{})

	first := e.ListObjectsPrefetch("bucket", "a/", true)
	require.False(t, first.Cancelled())

	second := e.ListObjectsPrefetch("bucket", "b/", true)
	require.True(t, first.Cancelled(), "hovering away cancels the previous hover")
	require.False(t, second.Cancelled())
}

// The folder-hover and file-hover slots are independent: hovering a file
// does not cancel a pending folder hover.
func TestHoverCancel_FolderAndFileSlotsAreIndependent(t *testing.T) {
	e, _ := testEngine(t, &fakeClient{})

	folder := e.ListObjectsPrefetch("bucket", "a/", true)
	file := e.GetObject("bucket", "k", 0, true, true)

	require.False(t, folder.Cancelled())
	require.False(t, file.Cancelled())
}

// A committed (non-cancellable) GetObject call does not participate in
// hover coalescing at all.
func TestHoverCancel_CommittedCallHasNoFlag(t *testing.T) {
	e, _ := testEngine(t, &fakeClient{})
	flag := e.GetObject("bucket", "k", 0, false, false)
	require.Nil(t, flag)
}

// SetProfile clears both queues, the region cache, and installs the
// resolved profile.
func TestSetProfile_ClearsQueuesAndRegionCache(t *testing.T) {
	e, _ := testEngine(t, &fakeClient{})
	e.region.Set("bucket", "eu-west-1")
	e.high.PushBack(newWorkItem(KindListBuckets, High))

	resolved := profile.Profile{Name: "work", Region: "ap-south-1", AccessKey: "A2", SecretKey: "S2"}
	e.resolve = func(name string) (profile.Profile, error) {
		require.Equal(t, "work", name)
		return resolved, nil
	}

	err := e.SetProfile("work")
	require.NoError(t, err)

	require.Equal(t, 0, e.high.Len())
	_, ok := e.region.Get("bucket")
	require.False(t, ok)
	require.Equal(t, resolved, e.currentProfile())
}

// A streaming GetObjectStreaming call pushes one ObjectRangeLoaded event
// per chunk, offset by the request's range start.
func TestDispatch_StreamingEmitsRangeLoadedEvent(t *testing.T) {
	client := &fakeClient{}
	e, bus := testEngine(t, client)

	w := newWorkItem(KindGetObjectStreaming, High)
	w.Bucket, w.Key = "b", "big.log"
	w.RangeStart = 1024
	w.RangeEnd = -1
	w.TotalSize = 4096
	e.dispatch(w)

	taken := bus.Take()
	require.Len(t, taken, 1)
	require.Equal(t, events.ObjectRangeLoaded, taken[0].Kind)
	require.Equal(t, int64(1024), taken[0].StartByte)
	require.Equal(t, int64(4096), taken[0].TotalSize)
}

// Start drives real workers end-to-end: a queued ListBuckets is picked
// up by a High worker and its event is on the bus once Shutdown has
// joined the workers. Shutdown discards whatever is still queued, so the
// test waits for the worker to take the item first.
func TestEngine_StartedWorkersProcessQueuedWork(t *testing.T) {
	client := &fakeClient{}
	client.push(transport.Result{Body: []byte(`<ListAllMyBucketsResult><Buckets></Buckets></ListAllMyBucketsResult>`)}, nil)

	e, bus := testEngine(t, client)
	e.Start()
	e.ListBuckets()
	require.Eventually(t, func() bool { return client.callCount() == 1 }, 5*time.Second, time.Millisecond)
	e.Shutdown()

	require.Equal(t, 1, client.callCount())
	taken := bus.Take()
	require.Len(t, taken, 1)
	require.Equal(t, events.BucketsLoaded, taken[0].Kind)
}
