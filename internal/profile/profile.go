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

// Package profile loads AWS-CLI-compatible credential profiles from the
// shared credentials/config INI files and resolves SSO-cached tokens into
// temporary static credentials.
package profile

import "time"

// Profile is a fully resolved set of credentials plus routing hints. An
// engine treats a Profile as immutable once assigned: switching profiles
// replaces the whole value, it never mutates one in place.
type Profile struct {
	Name       string
	Region     string
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Session    string
	Expiration time.Time

	SSOStartURL    string
	SSORegion      string
	SSOAccountID   string
	SSORoleName    string
	SSOSessionName string
}

// DefaultRegion is used whenever a profile does not name one.
const DefaultRegion = "us-east-1"

// Usable reports whether p carries credentials an engine can sign with.
// A Profile only reaches the returned list from Load if this already
// holds, but callers that build a Profile by hand (tests, for example)
// should check it too.
func (p Profile) Usable() bool {
	return p.AccessKey != "" && p.SecretKey != ""
}

// Expired reports whether session credentials have passed their
// expiration. A zero Expiration means the credentials do not expire
// (static IAM user keys).
func (p Profile) Expired(now time.Time) bool {
	return !p.Expiration.IsZero() && now.After(p.Expiration)
}
