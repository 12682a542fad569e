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
	"regexp"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
)

// regionCache maps bucket name to its discovered region. Populated after
// the first successful call against a bucket or a redirect recovery;
// cleared on profile switch (spec §3 BucketRegionCache). Implemented with
// xsync.Map rather than a manual mutex+map: it is written and read by
// every worker goroutine in both queues, and a lock-free map keeps that
// off the critical path between request dispatch and signing.
type regionCache struct {
	m *xsync.MapOf[string, string]
}

func newRegionCache() *regionCache {
	return &regionCache{m: xsync.NewMapOf[string, string]()}
}

func (c *regionCache) Get(bucket string) (string, bool) {
	return c.m.Load(bucket)
}

func (c *regionCache) Set(bucket, region string) {
	c.m.Store(bucket, region)
}

func (c *regionCache) Clear() {
	c.m.Clear()
}

// knownRegions is the fixed substring table
// original_source/src/aws/s3_backend.cpp's extractRegionFromEndpoint
// falls back to when an <Endpoint> tag doesn't parse a region (spec
// §4.D.4 step 2 / SPEC_FULL.md supplemented feature 4).
var knownRegions = []string{
	"us-east-1", "us-east-2", "us-west-1", "us-west-2",
	"eu-west-1", "eu-west-2", "eu-west-3", "eu-central-1", "eu-north-1",
	"ap-southeast-1", "ap-southeast-2", "ap-northeast-1", "ap-northeast-2", "ap-south-1",
	"sa-east-1", "ca-central-1",
}

// endpointRegionPatterns match "s3.<region>.amazonaws.com",
// "<bucket>.s3.<region>.amazonaws.com", and "s3-<region>.amazonaws.com"
// (spec §4.D.4 step 1). Regions must contain a dash, which these patterns
// enforce by requiring at least one hyphen in the captured group.
var endpointRegionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:^|\.)s3[.-]([a-z0-9-]*-[a-z0-9-]+)\.amazonaws\.com`),
}

// discoverRegion implements spec §4.D.4: parse the endpoint, fall back to
// a bucket-name substring search, then to us-east-1.
func discoverRegion(endpoint, bucket string) string {
	if region := regionFromEndpoint(endpoint); region != "" {
		return region
	}
	if region := regionFromBucketName(bucket); region != "" {
		return region
	}
	return "us-east-1"
}

func regionFromEndpoint(endpoint string) string {
	for _, pattern := range endpointRegionPatterns {
		m := pattern.FindStringSubmatch(endpoint)
		if len(m) == 2 && strings.Contains(m[1], "-") {
			return m[1]
		}
	}
	return ""
}

func regionFromBucketName(bucket string) string {
	for _, region := range knownRegions {
		if strings.Contains(bucket, region) {
			return region
		}
	}
	return ""
}
