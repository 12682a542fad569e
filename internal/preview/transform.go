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

package preview

import (
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Transform decodes a stream incrementally: Transform feeds newly arrived
// source bytes in, returning whatever decoded output is ready so far;
// Flush signals end-of-stream and returns any residual output (spec
// §4.F.2).
type Transform interface {
	Transform(data []byte) ([]byte, error)
	Flush() ([]byte, error)
}

// PassThrough is the identity transform.
type PassThrough struct{}

func (PassThrough) Transform(data []byte) ([]byte, error) { return data, nil }
func (PassThrough) Flush() ([]byte, error)                { return nil, nil }

// pipeTransform adapts a blocking streaming decoder (gzip.Reader,
// zstd.Decoder) — which wants a plain io.Reader — to the push-based
// Transform interface, by running the decoder against one end of an
// io.Pipe and draining its output non-blockingly after every write.
type pipeTransform struct {
	pw   *io.PipeWriter
	out  chan []byte
	done chan error
}

func newPipeTransform(newDecoder func(io.Reader) (io.Reader, error)) *pipeTransform {
	pr, pw := io.Pipe()
	t := &pipeTransform{pw: pw, out: make(chan []byte, 64), done: make(chan error, 1)}
	go t.run(pr, newDecoder)
	return t
}

func (t *pipeTransform) run(pr *io.PipeReader, newDecoder func(io.Reader) (io.Reader, error)) {
	defer close(t.out)
	dec, err := newDecoder(pr)
	if err != nil {
		t.done <- err
		pr.CloseWithError(err)
		return
	}
	buf := make([]byte, 32*1024)
	for {
		n, err := dec.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.out <- chunk
		}
		if err != nil {
			if err == io.EOF {
				t.done <- nil
			} else {
				t.done <- err
			}
			return
		}
	}
}

func (t *pipeTransform) drain() []byte {
	var out []byte
	for {
		select {
		case chunk, ok := <-t.out:
			if !ok {
				return out
			}
			out = append(out, chunk...)
		default:
			return out
		}
	}
}

func (t *pipeTransform) Transform(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if _, err := t.pw.Write(data); err != nil {
		return t.drain(), err
	}
	return t.drain(), nil
}

func (t *pipeTransform) Flush() ([]byte, error) {
	t.pw.Close()
	var out []byte
	for chunk := range t.out {
		out = append(out, chunk...)
	}
	err := <-t.done
	return out, err
}

// NewGzipTransform decodes a gzip-wrapped stream (window bits 15+16,
// i.e. the standard gzip container autodetected by klauspost/compress's
// reader), accepting arbitrarily-chunked partial input (spec §4.F.2).
func NewGzipTransform() Transform {
	return newPipeTransform(func(r io.Reader) (io.Reader, error) {
		return gzip.NewReader(r)
	})
}

// NewZstdTransform decodes a zstd frame stream. Flush is a no-op beyond
// closing the pipe: the decoder tolerates stream end without an explicit
// trailer (spec §4.F.2).
func NewZstdTransform() Transform {
	return newPipeTransform(func(r io.Reader) (io.Reader, error) {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return readCloserAdapter{dec}, nil
	})
}

// readCloserAdapter lets a *zstd.Decoder (whose Close takes no error and
// whose zero value doesn't implement io.ReadCloser cleanly for our
// generic newDecoder signature) satisfy io.Reader without extra ceremony
// at the call site.
type readCloserAdapter struct {
	dec *zstd.Decoder
}

func (r readCloserAdapter) Read(p []byte) (int, error) { return r.dec.Read(p) }

// SelectTransform picks a transform from the object key's extension and
// reports the logical (post-decompression) extension the key names —
// e.g. "access.log.gz" selects gzip and reports logical extension "log",
// inspecting the last two dot-separated segments rather than only the
// final one (spec SUPPLEMENTED FEATURES §2, grounded on original_source's
// isGzipped/compound-extension detection).
func SelectTransform(key string) (transform Transform, logicalExt string) {
	lower := strings.ToLower(key)
	segments := strings.Split(lower, ".")
	if len(segments) < 2 {
		return PassThrough{}, ""
	}
	last := segments[len(segments)-1]
	switch last {
	case "gz":
		if len(segments) >= 3 {
			return NewGzipTransform(), segments[len(segments)-2]
		}
		return NewGzipTransform(), ""
	case "zst", "zstd":
		if len(segments) >= 3 {
			return NewZstdTransform(), segments[len(segments)-2]
		}
		return NewZstdTransform(), ""
	default:
		return PassThrough{}, last
	}
}
