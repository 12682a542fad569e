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
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_StaticCredentials(t *testing.T) {
	dir := t.TempDir()
	credPath := writeFile(t, dir, "credentials", `
[default]
aws_access_key_id = AKIAEXAMPLE
aws_secret_access_key = secret

[profile work]
aws_access_key_id = AKIAWORK
aws_secret_access_key = worksecret
`)
	cfgPath := writeFile(t, dir, "config", `
[profile default]
region = us-west-2

[profile work]
region = eu-west-1
endpoint_url = https://minio.internal:9000
`)

	s := &Store{CredentialsPath: credPath, ConfigPath: cfgPath}
	profiles, err := s.Load()
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	byName := map[string]Profile{}
	for _, p := range profiles {
		byName[p.Name] = p
	}

	require.Equal(t, "us-west-2", byName["default"].Region)
	require.Equal(t, "AKIAEXAMPLE", byName["default"].AccessKey)

	require.Equal(t, "eu-west-1", byName["work"].Region)
	require.Equal(t, "https://minio.internal:9000", byName["work"].Endpoint)
	require.True(t, byName["work"].Usable())
}

func TestLoad_DropsUnresolvableProfile(t *testing.T) {
	dir := t.TempDir()
	credPath := writeFile(t, dir, "credentials", "")
	cfgPath := writeFile(t, dir, "config", `
[profile nocreds]
region = us-east-1
`)
	s := &Store{CredentialsPath: credPath, ConfigPath: cfgPath}
	profiles, err := s.Load()
	require.Error(t, err) // warning, not fatal
	require.Empty(t, profiles)
}

func TestCacheKey_SessionName(t *testing.T) {
	p := Profile{SSOSessionName: "foo"}
	require.Equal(t, "0beec7b5ea3f0fdbc95d0dd47f3c5bc275da8a33.json", CacheKey(p))
}

func TestCacheKey_StartURLFallback(t *testing.T) {
	p := Profile{SSOStartURL: "foo"}
	require.Equal(t, "0beec7b5ea3f0fdbc95d0dd47f3c5bc275da8a33.json", CacheKey(p))
}

func TestLoad_SSOSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "mytoken", r.Header.Get("x-amz-sso_bearer_token"))
		require.Equal(t, "111111111111", r.URL.Query().Get("account_id"))
		require.Equal(t, "Admin", r.URL.Query().Get("role_name"))
		w.Write([]byte(`{"roleCredentials":{"accessKeyId":"ASIA","secretAccessKey":"s3cr3t","sessionToken":"tok","expiration":9999999999999}}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	cacheDir := filepath.Join(dir, "cache")
	require.NoError(t, os.MkdirAll(cacheDir, 0o700))

	credPath := writeFile(t, dir, "credentials", "")
	cfgPath := writeFile(t, dir, "config", `
[sso-session dev]
sso_start_url = https://example.awsapps.com/start
sso_region = us-east-1

[profile withsso]
sso_session = dev
sso_account_id = 111111111111
sso_role_name = Admin
region = us-east-1
`)

	cacheKey := CacheKey(Profile{SSOSessionName: "dev"})
	writeFile(t, cacheDir, cacheKey, `{"accessToken":"mytoken","expiresAt":"2999-01-01T00:00:00Z"}`)

	s := &Store{
		CredentialsPath: credPath,
		ConfigPath:      cfgPath,
		SSOCacheDir:     cacheDir,
		PortalURL:       srv.URL,
		Now:             func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
	profiles, err := s.Load()
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	require.Equal(t, "ASIA", profiles[0].AccessKey)
	require.Equal(t, "s3cr3t", profiles[0].SecretKey)
}

func TestLoad_EmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	s := &Store{
		CredentialsPath: filepath.Join(dir, "credentials"),
		ConfigPath:      filepath.Join(dir, "config"),
	}
	profiles, err := s.Load()
	require.NoError(t, err)
	require.Empty(t, profiles)
}
