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
	"fmt"
	"strconv"
	"strings"

	"github.com/s3lens/s3lens/internal/events"
)

// tagContents returns the text inside the first occurrence of <tag>...</tag>
// in s, or "", false if not found. Spec §4.D.5 / §9: S3's ListBuckets and
// ListObjectsV2 responses are small, flat, and well-known enough that
// naive tag search suffices, matching the original implementation's
// design choice (and its documented caveat about nested same-named tags).
func tagContents(s, tag string) (string, bool) {
	open := "<" + tag + ">"
	closeTag := "</" + tag + ">"
	start := strings.Index(s, open)
	if start < 0 {
		return "", false
	}
	start += len(open)
	end := strings.Index(s[start:], closeTag)
	if end < 0 {
		return "", false
	}
	return s[start : start+end], true
}

// elementBlocks splits s into the contents of every top-level <tag>...</tag>
// occurrence, non-overlapping and in document order.
func elementBlocks(s, tag string) []string {
	open := "<" + tag + ">"
	closeTag := "</" + tag + ">"
	var blocks []string
	rest := s
	for {
		start := strings.Index(rest, open)
		if start < 0 {
			break
		}
		rest = rest[start+len(open):]
		end := strings.Index(rest, closeTag)
		if end < 0 {
			break
		}
		blocks = append(blocks, rest[:end])
		rest = rest[end+len(closeTag):]
	}
	return blocks
}

// S3Error is the parsed <Error><Code/><Message/></Error> shape (spec
// §4.D.5). Its Error() string is deliberately the literal "Code: Message"
// surface spec §9 calls out as a source quirk worth preserving for
// downstream substring matching, even though callers that want a typed
// kind should switch on Code instead.
type S3Error struct {
	Code      string
	Message   string
	Endpoint  string
	RequestID string
}

func (e *S3Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// parseS3Error extracts an <Error> document, if present. ok is false if
// body does not contain an <Error> element.
func parseS3Error(body string) (*S3Error, bool) {
	inner, ok := tagContents(body, "Error")
	if !ok {
		return nil, false
	}
	code, _ := tagContents(inner, "Code")
	message, _ := tagContents(inner, "Message")
	endpoint, _ := tagContents(inner, "Endpoint")
	requestID, _ := tagContents(inner, "RequestId")
	return &S3Error{Code: code, Message: message, Endpoint: endpoint, RequestID: requestID}, true
}

// parseListBuckets parses a ListAllMyBucketsResult document.
func parseListBuckets(body string) []events.Bucket {
	bucketsBlock, ok := tagContents(body, "Buckets")
	if !ok {
		return nil
	}
	var out []events.Bucket
	for _, block := range elementBlocks(bucketsBlock, "Bucket") {
		name, _ := tagContents(block, "Name")
		created, _ := tagContents(block, "CreationDate")
		out = append(out, events.Bucket{Name: name, CreationDate: created})
	}
	return out
}

// listObjectsResult is the parsed shape of a ListObjectsV2Result document
// (spec §4.D.5).
type listObjectsResult struct {
	IsTruncated bool
	NextToken   string
	Objects     []events.Object
}

func parseListObjects(body string) listObjectsResult {
	var result listObjectsResult

	if truncated, ok := tagContents(body, "IsTruncated"); ok {
		result.IsTruncated = truncated == "true"
	}
	if token, ok := tagContents(body, "NextContinuationToken"); ok {
		result.NextToken = token
	}

	for _, block := range elementBlocks(body, "CommonPrefixes") {
		prefix, ok := tagContents(block, "Prefix")
		if !ok || prefix == "" {
			continue
		}
		result.Objects = append(result.Objects, events.Object{
			Key:         prefix,
			DisplayName: folderDisplayName(prefix),
			IsFolder:    true,
		})
	}

	for _, block := range elementBlocks(body, "Contents") {
		key, _ := tagContents(block, "Key")
		if key == "" || strings.HasSuffix(key, "/") {
			// Files whose key ends in "/" are skipped (spec §3 Object).
			continue
		}
		sizeStr, _ := tagContents(block, "Size")
		size, _ := strconv.ParseInt(sizeStr, 10, 64)
		lastModified, _ := tagContents(block, "LastModified")
		result.Objects = append(result.Objects, events.Object{
			Key:          key,
			DisplayName:  fileDisplayName(key),
			Size:         size,
			LastModified: lastModified,
		})
	}

	return result
}

// folderDisplayName derives "c" from the folder prefix "a/b/c/" (spec
// §4.D.5).
func folderDisplayName(prefix string) string {
	trimmed := strings.TrimSuffix(prefix, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}

// fileDisplayName derives "c.txt" from the object key "a/b/c.txt".
func fileDisplayName(key string) string {
	if idx := strings.LastIndex(key, "/"); idx >= 0 {
		return key[idx+1:]
	}
	return key
}
