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

package profile

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	homedir "github.com/mitchellh/go-homedir"
	multierror "github.com/hashicorp/go-multierror"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	ini "gopkg.in/ini.v1"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const profileSectionPrefix = "profile "
const ssoSessionSectionPrefix = "sso-session "

// Store loads profiles from the standard AWS credentials/config file pair.
// A Store is stateless between calls to Load; every call re-reads the
// files from disk so that an external `aws sso login` is picked up without
// restarting the consumer.
type Store struct {
	// CredentialsPath overrides $HOME/.aws/credentials, for tests.
	CredentialsPath string
	// ConfigPath overrides $HOME/.aws/config, for tests.
	ConfigPath string
	// SSOCacheDir overrides $HOME/.aws/sso/cache, for tests.
	SSOCacheDir string
	// PortalURL overrides the SSO portal base URL, for tests.
	PortalURL string

	// Now lets tests control expiry checks; defaults to time.Now.
	Now func() time.Time

	// HTTPClient performs the SSO GetRoleCredentials call; defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) httpClient() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return http.DefaultClient
}

func (s *Store) paths() (credentials, config string, err error) {
	credentials = s.CredentialsPath
	config = s.ConfigPath
	if credentials != "" && config != "" {
		return credentials, config, nil
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", "", fmt.Errorf("resolving home directory: %w", err)
	}
	if credentials == "" {
		credentials = filepath.Join(home, ".aws", "credentials")
	}
	if config == "" {
		config = filepath.Join(home, ".aws", "config")
	}
	return credentials, config, nil
}

// ssoSession is a named [sso-session NAME] block from the config file.
type ssoSession struct {
	startURL string
	region   string
}

// Load parses the credentials and config files and resolves every profile
// they name into a Profile. A profile that cannot be resolved into usable
// credentials (§4.A step 5) is dropped, not returned as an error; the
// combined reasons are returned as a non-fatal warning error so callers
// may log them.
func (s *Store) Load() ([]Profile, error) {
	credPath, cfgPath, err := s.paths()
	if err != nil {
		return nil, err
	}

	credFile, err := ini.Load(emptyIfMissing(credPath))
	if err != nil {
		return nil, fmt.Errorf("parsing credentials file %s: %w", credPath, err)
	}
	cfgFile, err := ini.Load(emptyIfMissing(cfgPath))
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", cfgPath, err)
	}

	sessions := s.loadSSOSessions(cfgFile)
	names := s.profileNames(credFile, cfgFile)

	var warnings *multierror.Error
	var out []Profile
	for _, name := range names {
		p, err := s.resolveProfile(name, credFile, cfgFile, sessions)
		if err != nil {
			warnings = multierror.Append(warnings, fmt.Errorf("profile %q: %w", name, err))
			logrus.WithField("profile", name).WithError(err).Warn("dropping unresolvable profile")
			continue
		}
		out = append(out, p)
	}

	if warnings != nil {
		return out, warnings.ErrorOrNil()
	}
	return out, nil
}

func emptyIfMissing(path string) string {
	if _, err := os.Stat(path); err != nil {
		return os.DevNull
	}
	return path
}

// profileNames collects every profile-like section across both files,
// normalising the "profile " prefix in either file and skipping
// "sso-session " blocks (those are sessions, not profiles).
func (s *Store) profileNames(credFile, cfgFile *ini.File) []string {
	seen := map[string]bool{}
	var names []string
	add := func(n string) {
		if n == "" || n == ini.DefaultSection || seen[n] {
			return
		}
		seen[n] = true
		names = append(names, n)
	}

	for _, sec := range credFile.Sections() {
		add(strings.TrimPrefix(sec.Name(), profileSectionPrefix))
	}
	for _, sec := range cfgFile.Sections() {
		name := sec.Name()
		if strings.HasPrefix(name, ssoSessionSectionPrefix) {
			continue
		}
		add(strings.TrimPrefix(name, profileSectionPrefix))
	}
	return names
}

func (s *Store) loadSSOSessions(cfgFile *ini.File) map[string]ssoSession {
	sessions := map[string]ssoSession{}
	for _, sec := range cfgFile.Sections() {
		name := sec.Name()
		if !strings.HasPrefix(name, ssoSessionSectionPrefix) {
			continue
		}
		sessionName := strings.TrimPrefix(name, ssoSessionSectionPrefix)
		sessions[sessionName] = ssoSession{
			startURL: sec.Key("sso_start_url").String(),
			region:   sec.Key("sso_region").String(),
		}
	}
	return sessions
}

// section looks up a profile section, trying both the bare name (used in
// credentials files and for "default") and the "profile NAME" form the
// config file uses for everything except "default".
func section(f *ini.File, name string) *ini.Section {
	if sec, err := f.GetSection(name); err == nil {
		return sec
	}
	if sec, err := f.GetSection(profileSectionPrefix + name); err == nil {
		return sec
	}
	return nil
}

// resolveProfile implements the §4.A resolution order.
func (s *Store) resolveProfile(name string, credFile, cfgFile *ini.File, sessions map[string]ssoSession) (Profile, error) {
	credSec := section(credFile, name)
	cfgSec := section(cfgFile, name)

	p := Profile{Name: name, Region: DefaultRegion}
	if cfgSec != nil {
		if r := cfgSec.Key("region").String(); r != "" {
			p.Region = r
		}
		p.Endpoint = cfgSec.Key("endpoint_url").String()

		// Step 1: inline SSO fields.
		p.SSOStartURL = cfgSec.Key("sso_start_url").String()
		p.SSORegion = cfgSec.Key("sso_region").String()
		p.SSOAccountID = cfgSec.Key("sso_account_id").String()
		p.SSORoleName = cfgSec.Key("sso_role_name").String()

		// Step 2: sso_session reference.
		if ref := cfgSec.Key("sso_session").String(); ref != "" {
			if sess, ok := sessions[ref]; ok {
				p.SSOSessionName = ref
				if p.SSOStartURL == "" {
					p.SSOStartURL = sess.startURL
				}
				if p.SSORegion == "" {
					p.SSORegion = sess.region
				}
			}
		}
	}

	// Step 3: static credentials, preferring the credentials file.
	if credSec != nil {
		p.AccessKey = credSec.Key("aws_access_key_id").String()
		p.SecretKey = credSec.Key("aws_secret_access_key").String()
		p.Session = credSec.Key("aws_session_token").String()
	}
	if p.AccessKey == "" && cfgSec != nil {
		p.AccessKey = cfgSec.Key("aws_access_key_id").String()
		p.SecretKey = cfgSec.Key("aws_secret_access_key").String()
		p.Session = cfgSec.Key("aws_session_token").String()
	}
	if p.Usable() {
		return p, nil
	}

	// Step 4: SSO-only profile, resolved from the token cache.
	if p.SSORoleName != "" && p.SSOAccountID != "" {
		resolved, err := s.resolveSSO(p)
		if err != nil {
			return Profile{}, err
		}
		return resolved, nil
	}

	// Step 5: nothing usable.
	return Profile{}, fmt.Errorf("no static credentials and no resolvable SSO configuration")
}

type ssoCacheEntry struct {
	AccessToken string `json:"accessToken"`
	ExpiresAt   string `json:"expiresAt"`
}

type ssoRoleCredentials struct {
	RoleCredentials struct {
		AccessKeyID     string `json:"accessKeyId"`
		SecretAccessKey string `json:"secretAccessKey"`
		SessionToken    string `json:"sessionToken"`
		Expiration      int64  `json:"expiration"`
	} `json:"roleCredentials"`
}

// CacheKey returns the SSO token cache filename (without directory) for a
// profile: sha1(sessionName) if one is present, else sha1(startURL), per
// spec §4.A step 4 / Testable Property 3.
func CacheKey(p Profile) string {
	seed := p.SSOSessionName
	if seed == "" {
		seed = p.SSOStartURL
	}
	sum := sha1.Sum([]byte(seed))
	return strings.ToLower(hex.EncodeToString(sum[:])) + ".json"
}

func (s *Store) resolveSSO(p Profile) (Profile, error) {
	cacheDir := s.SSOCacheDir
	if cacheDir == "" {
		home, err := homedir.Dir()
		if err != nil {
			return Profile{}, fmt.Errorf("resolving home directory: %w", err)
		}
		cacheDir = filepath.Join(home, ".aws", "sso", "cache")
	}
	cachePath := filepath.Join(cacheDir, CacheKey(p))

	raw, err := os.ReadFile(cachePath)
	if err != nil {
		return Profile{}, fmt.Errorf("reading sso cache %s: %w", cachePath, err)
	}
	var entry ssoCacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Profile{}, fmt.Errorf("parsing sso cache %s: %w", cachePath, err)
	}
	expiresAt, err := time.Parse(time.RFC3339, entry.ExpiresAt)
	if err != nil {
		return Profile{}, fmt.Errorf("parsing sso cache expiresAt: %w", err)
	}
	if s.now().After(expiresAt) {
		return Profile{}, fmt.Errorf("sso token expired at %s, run `aws sso login`", expiresAt)
	}

	region := p.SSORegion
	if region == "" {
		region = p.Region
	}
	portal := s.PortalURL
	if portal == "" {
		portal = fmt.Sprintf("https://portal.sso.%s.amazonaws.com", region)
	}

	creds, err := s.getRoleCredentials(portal, entry.AccessToken, p.SSOAccountID, p.SSORoleName)
	if err != nil {
		return Profile{}, err
	}

	p.AccessKey = creds.RoleCredentials.AccessKeyID
	p.SecretKey = creds.RoleCredentials.SecretAccessKey
	p.Session = creds.RoleCredentials.SessionToken
	p.Expiration = time.UnixMilli(creds.RoleCredentials.Expiration)
	if !p.Usable() {
		return Profile{}, fmt.Errorf("sso portal returned no usable credentials")
	}
	return p, nil
}

func (s *Store) getRoleCredentials(portal, token, accountID, roleName string) (ssoRoleCredentials, error) {
	var out ssoRoleCredentials

	op := func() error {
		req, err := http.NewRequest(http.MethodGet, portal+"/federation/credentials", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("x-amz-sso_bearer_token", token)
		q := req.URL.Query()
		q.Set("account_id", accountID)
		q.Set("role_name", roleName)
		req.URL.RawQuery = q.Encode()

		resp, err := s.httpClient().Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("sso portal returned %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("sso portal returned %d", resp.StatusCode))
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(op, policy); err != nil {
		return ssoRoleCredentials{}, fmt.Errorf("getting role credentials: %w", err)
	}
	return out, nil
}

// InitialProfile picks the starting profile name per spec §6: $AWS_PROFILE
// if set, else "default".
func InitialProfile() string {
	if v := os.Getenv("AWS_PROFILE"); v != "" {
		return v
	}
	return "default"
}
