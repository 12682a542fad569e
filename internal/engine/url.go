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
	"net/url"

	"github.com/s3lens/s3lens/internal/profile"
)

// hostAndPath implements spec §4.D.3 URL construction: path-style when a
// non-empty endpoint is configured, virtual-host style otherwise.
func hostAndPath(p profile.Profile, region, bucket, key string) (host, path string, secure bool) {
	if p.Endpoint != "" {
		u, err := url.Parse(p.Endpoint)
		if err == nil && u.Host != "" {
			host = u.Host
			secure = u.Scheme != "http"
			if bucket == "" {
				return host, "/", secure
			}
			path = "/" + bucket
			if key != "" {
				path += "/" + key
			}
			return host, path, secure
		}
	}

	secure = true
	if bucket == "" {
		return fmt.Sprintf("s3.%s.amazonaws.com", region), "/", secure
	}
	host = fmt.Sprintf("%s.s3.%s.amazonaws.com", bucket, region)
	if key == "" {
		return host, "/", secure
	}
	return host, "/" + key, secure
}

// listObjectsQuery builds the ListObjectsV2 query parameters (spec
// §4.D.3).
func listObjectsQuery(prefix, continuationToken string) url.Values {
	q := url.Values{}
	q.Set("list-type", "2")
	q.Set("delimiter", "/")
	q.Set("max-keys", "1000")
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	if continuationToken != "" {
		q.Set("continuation-token", continuationToken)
	}
	return q
}
