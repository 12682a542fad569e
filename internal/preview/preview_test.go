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
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreaming_PlainTextLineIndexing(t *testing.T) {
	s, err := New(0, PassThrough{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.AppendChunk([]byte("alpha\nbeta\nga"), 0))
	// "ga" has no terminator yet: not indexed as complete, but its
	// partial bytes are still on disk and readable via GetAllContent.
	require.Equal(t, 3, s.LineCount())
	require.False(t, s.IsLineComplete(2))

	line0, err := s.GetLine(0)
	require.NoError(t, err)
	require.Equal(t, "alpha", string(line0))

	line1, err := s.GetLine(1)
	require.NoError(t, err)
	require.Equal(t, "beta", string(line1))

	require.NoError(t, s.AppendChunk([]byte("mma\n"), 13))
	// The trailing newline now sits at the true end of written data, so
	// it is not promoted to a new line start unless more bytes arrive —
	// lineCount stays at the newline count (spec §8 property 10).
	require.Equal(t, 3, s.LineCount())
	require.True(t, s.IsLineComplete(2))

	line2, err := s.GetLine(2)
	require.NoError(t, err)
	require.Equal(t, "gamma", string(line2))
}

func TestStreaming_CompleteOnTotalSourceBytes(t *testing.T) {
	s, err := New(5, PassThrough{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.AppendChunk([]byte("hello"), 0))
	require.True(t, s.Complete())
	require.Equal(t, int64(5), s.BytesDownloaded())
	// The final, unterminated line is reported complete once the
	// preview itself is complete.
	require.True(t, s.IsLineComplete(0))

	line0, err := s.GetLine(0)
	require.NoError(t, err)
	require.Equal(t, "hello", string(line0))
}

func TestStreaming_CRLFStripped(t *testing.T) {
	s, err := New(0, PassThrough{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.AppendChunk([]byte("one\r\ntwo\r\n"), 0))
	line0, _ := s.GetLine(0)
	require.Equal(t, "one", string(line0))
	line1, _ := s.GetLine(1)
	require.Equal(t, "two", string(line1))
}

func TestStreaming_GetAllContentRespectsMappedSize(t *testing.T) {
	s, err := New(0, PassThrough{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.AppendChunk([]byte("some content"), 0))
	require.Equal(t, "some content", string(s.GetAllContent()))
}

func TestStreaming_GzipTransformDecodesAcrossChunks(t *testing.T) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write([]byte("line one\nline two\n"))
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	compressed := buf.Bytes()

	transform := NewGzipTransform()
	s, err := New(int64(len(compressed)), transform)
	require.NoError(t, err)
	defer s.Close()

	mid := len(compressed) / 2
	require.NoError(t, s.AppendChunk(compressed[:mid], 0))
	require.NoError(t, s.AppendChunk(compressed[mid:], int64(mid)))

	require.True(t, s.Complete())
	require.Equal(t, "line one\nline two\n", string(s.GetAllContent()))
	require.Equal(t, 2, s.LineCount()) // content ends in \n, so no phantom trailing entry
}

func TestSelectTransform_CompoundExtension(t *testing.T) {
	_, logical := SelectTransform("logs/access.log.gz")
	require.Equal(t, "log", logical)

	tr, logical := SelectTransform("data.csv")
	require.Equal(t, "csv", logical)
	require.IsType(t, PassThrough{}, tr)

	_, logical = SelectTransform("archive.tar.zst")
	require.Equal(t, "tar", logical)
}

func TestStreaming_LineOutOfRangeErrors(t *testing.T) {
	s, err := New(0, PassThrough{})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.GetLine(0)
	require.Error(t, err)
}
