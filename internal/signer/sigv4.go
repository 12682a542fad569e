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

// Package signer computes AWS Signature Version 4 for S3 requests: the
// canonical request, string-to-sign, signing key, Authorization header, and
// presigned-URL query string. Nothing here is cached — every call
// recomputes a fresh SignedRequest against the current profile and clock.
package signer

import (
	"crypto/hmac"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	sha256simd "github.com/minio/sha256-simd"
)

const (
	algorithm         = "AWS4-HMAC-SHA256"
	iso8601Format     = "20060102T150405Z"
	dateFormat        = "20060102"
	service           = "s3"
	unsignedPayload   = "UNSIGNED-PAYLOAD"
	maxPresignSeconds = 604800
)

// SignedRequest is the final URL and header set ready to send over HTTP.
// It is never reused across calls: computing it is cheap relative to the
// network round trip it authorizes.
type SignedRequest struct {
	URL    string
	Header http.Header
}

// Request describes the S3 call to sign.
type Request struct {
	Method       string
	Host         string // host[:port], no scheme
	Path         string // unescaped path with leading slash; Sign/Presign escape it
	Query        url.Values
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	PayloadHash  string // hex sha256 of the body; "" means compute from Payload
	Payload      []byte
	Secure       bool
}

func sum256Hex(b []byte) string {
	h := sha256simd.Sum256(b)
	return hex.EncodeToString(h[:])
}

func hmacSum(key, data []byte) []byte {
	mac := hmac.New(sha256simd.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// signingKey implements the HMAC(HMAC(HMAC(HMAC("AWS4"+secret, date),
// region), "s3"), "aws4_request") chain from spec §4.B.
func signingKey(secret, region string, t time.Time) []byte {
	dateKey := hmacSum([]byte("AWS4"+secret), []byte(t.Format(dateFormat)))
	regionKey := hmacSum(dateKey, []byte(region))
	serviceKey := hmacSum(regionKey, []byte(service))
	return hmacSum(serviceKey, []byte("aws4_request"))
}

func scope(region string, t time.Time) string {
	return strings.Join([]string{t.Format(dateFormat), region, service, "aws4_request"}, "/")
}

func credentialScope(accessKey, region string, t time.Time) string {
	return accessKey + "/" + scope(region, t)
}

func stringToSign(canonicalRequest, region string, t time.Time) string {
	return strings.Join([]string{
		algorithm,
		t.Format(iso8601Format),
		scope(region, t),
		sum256Hex([]byte(canonicalRequest)),
	}, "\n")
}

// encodedPath percent-encodes a URL path per the unreserved-character set
// AWS expects, without double-encoding the leading slash segments.
func encodedPath(path string) string {
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = escapePathSegment(seg)
	}
	return strings.Join(segments, "/")
}

func escapePathSegment(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
		} else {
			b.WriteString("%")
			b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
		}
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == '~':
		return true
	}
	return false
}

// canonicalQuery encodes query parameters per RFC 3986 unreserved set and
// sorts alphabetically by name, with values sorted where names collide
// (spec §4.B).
func canonicalQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		values := append([]string(nil), q[k]...)
		sort.Strings(values)
		for _, v := range values {
			parts = append(parts, escapePathSegment(k)+"="+escapePathSegment(v))
		}
	}
	return strings.Join(parts, "&")
}

func canonicalHeaders(headers http.Header, signedOrder []string) string {
	var b strings.Builder
	for _, name := range signedOrder {
		b.WriteString(strings.ToLower(name))
		b.WriteByte(':')
		b.WriteString(strings.TrimSpace(headers.Get(name)))
		b.WriteByte('\n')
	}
	return b.String()
}

// signedHeaderNames returns the fixed list of always-signed headers in
// order, adding x-amz-security-token when a session token is present
// (spec §4.B).
func signedHeaderNames(r Request) []string {
	names := []string{"host", "x-amz-content-sha256", "x-amz-date"}
	if r.SessionToken != "" {
		names = append(names, "x-amz-security-token")
	}
	return names
}

func payloadHash(r Request, presign bool) string {
	if presign {
		return unsignedPayload
	}
	if r.PayloadHash != "" {
		return r.PayloadHash
	}
	return sum256Hex(r.Payload)
}

func (r Request) scheme() string {
	if r.Secure {
		return "https"
	}
	return "http"
}

// Sign computes the canonical request, string-to-sign, and Authorization
// header for a regular (non-presigned) call. The returned SignedRequest's
// URL carries no query-string signature — the signature is in the header.
func Sign(r Request, now time.Time) SignedRequest {
	header := http.Header{}
	header.Set("Host", r.Host)
	header.Set("X-Amz-Date", now.Format(iso8601Format))
	hash := payloadHash(r, false)
	header.Set("X-Amz-Content-Sha256", hash)
	if r.SessionToken != "" {
		header.Set("X-Amz-Security-Token", r.SessionToken)
	}

	signedNames := signedHeaderNames(r)
	canonical := strings.Join([]string{
		r.Method,
		encodedPath(r.Path),
		canonicalQuery(r.Query),
		canonicalHeaders(header, signedNames),
		strings.ToLower(strings.Join(signedNames, ";")),
		hash,
	}, "\n")

	sts := stringToSign(canonical, r.Region, now)
	key := signingKey(r.SecretKey, r.Region, now)
	signature := hex.EncodeToString(hmacSum(key, []byte(sts)))

	header.Set("Authorization", algorithm+" "+
		"Credential="+credentialScope(r.AccessKey, r.Region, now)+", "+
		"SignedHeaders="+strings.ToLower(strings.Join(signedNames, ";"))+", "+
		"Signature="+signature)

	return SignedRequest{URL: buildURL(r, encodedPath(r.Path), canonicalQuery(r.Query)), Header: header}
}

// buildURL assembles the final request URL from already-canonically-
// encoded path and query strings, rather than handing raw components to
// net/url.URL (whose own escaping rules differ subtly from the RFC 3986
// unreserved-character set spec §4.B requires) — the URL sent over the
// wire must use exactly the same encoding the signature was computed
// over.
func buildURL(r Request, escapedPath, rawQuery string) string {
	u := r.scheme() + "://" + r.Host + escapedPath
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// PresignExpiry caps a requested expiry at 604800 seconds (spec §4.B); a
// zero or negative request (after truncation to whole seconds) becomes the
// 900-second default.
func PresignExpiry(requested time.Duration) time.Duration {
	seconds := int64(requested.Seconds())
	if seconds <= 0 {
		seconds = 900
	}
	if seconds > maxPresignSeconds {
		seconds = maxPresignSeconds
	}
	return time.Duration(seconds) * time.Second
}

// Presign computes a presigned URL: the signature lives in the query
// string so the URL is usable without further headers until expiry. The
// payload hash is the literal string UNSIGNED-PAYLOAD.
func Presign(r Request, now time.Time, expiry time.Duration) string {
	expiry = PresignExpiry(expiry)

	q := url.Values{}
	for k, vv := range r.Query {
		q[k] = vv
	}
	q.Set("X-Amz-Algorithm", algorithm)
	q.Set("X-Amz-Credential", credentialScope(r.AccessKey, r.Region, now))
	q.Set("X-Amz-Date", now.Format(iso8601Format))
	q.Set("X-Amz-Expires", strconv.FormatInt(int64(expiry.Seconds()), 10))

	signedNames := []string{"host"}
	if r.SessionToken != "" {
		q.Set("X-Amz-Security-Token", r.SessionToken)
	}
	q.Set("X-Amz-SignedHeaders", strings.ToLower(strings.Join(signedNames, ";")))

	header := http.Header{}
	header.Set("Host", r.Host)

	canonical := strings.Join([]string{
		r.Method,
		encodedPath(r.Path),
		canonicalQuery(q),
		canonicalHeaders(header, signedNames),
		strings.ToLower(strings.Join(signedNames, ";")),
		unsignedPayload,
	}, "\n")

	sts := stringToSign(canonical, r.Region, now)
	key := signingKey(r.SecretKey, r.Region, now)
	signature := hex.EncodeToString(hmacSum(key, []byte(sts)))
	q.Set("X-Amz-Signature", signature)

	return buildURL(r, encodedPath(r.Path), canonicalQuery(q))
}
