// Copyright 2025 The fleetd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetd/pkg/api"
	"fleetd/pkg/store/cachedfile"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

// fakeIssuer records the signed requests it receives.
type fakeIssuer struct {
	token    *api.Token
	err      error
	calls    int
	requests []string
}

func (f *fakeIssuer) IssueDeviceToken(_ context.Context, _, signedRequest string) (*api.Token, error) {
	f.calls++
	f.requests = append(f.requests, signedRequest)
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

func newTestManager(t *testing.T, issuer Issuer) (*Manager, *cachedfile.File) {
	t.Helper()
	file, err := cachedfile.Open(afero.NewMemMapFs(), "/auth/token.json", 0o600)
	require.NoError(t, err)
	t.Cleanup(file.Shutdown)

	m := NewManager("dev-1", testKey(t), issuer, file, slog.Default())
	m.now = func() time.Time { return testNow }
	return m, file
}

func writeToken(t *testing.T, file *cachedfile.File, tok api.Token) {
	t.Helper()
	data, err := json.Marshal(tok)
	require.NoError(t, err)
	require.NoError(t, file.Write(data))
}

func TestGet_ReturnsCachedTokenWhileValid(t *testing.T) {
	issuer := &fakeIssuer{}
	m, file := newTestManager(t, issuer)
	writeToken(t, file, api.Token{Token: "cached", ExpiresAt: testNow.Add(time.Hour)})

	tok, err := m.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cached", tok.Token)
	assert.Zero(t, issuer.calls)
}

func TestGet_RefreshesExpiredToken(t *testing.T) {
	issuer := &fakeIssuer{token: &api.Token{Token: "fresh", ExpiresAt: testNow.Add(time.Hour)}}
	m, file := newTestManager(t, issuer)
	writeToken(t, file, api.Token{Token: "stale", ExpiresAt: testNow.Add(-time.Minute)})

	tok, err := m.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.Token)
	assert.Equal(t, 1, issuer.calls)

	// The fresh token is persisted for the next read.
	cur, err := m.Current()
	require.NoError(t, err)
	assert.Equal(t, "fresh", cur.Token)
}

func TestGet_RefreshesWhenNoTokenOnDisk(t *testing.T) {
	issuer := &fakeIssuer{token: &api.Token{Token: "fresh", ExpiresAt: testNow.Add(time.Hour)}}
	m, _ := newTestManager(t, issuer)

	tok, err := m.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.Token)
}

func TestRefresh_SignsRequestWithDeviceKey(t *testing.T) {
	issuer := &fakeIssuer{token: &api.Token{Token: "fresh", ExpiresAt: testNow.Add(time.Hour)}}
	m, _ := newTestManager(t, issuer)

	_, err := m.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, issuer.requests, 1)

	// The request verifies against the device's public key and carries the
	// device id as subject.
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(issuer.requests[0], claims, func(tok *jwt.Token) (any, error) {
		return &m.key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithTimeFunc(func() time.Time { return testNow }))
	require.NoError(t, err)
	assert.True(t, parsed.Valid)

	sub, err := claims.GetSubject()
	require.NoError(t, err)
	assert.Equal(t, "dev-1", sub)
}

func TestRefresh_IssuerFailureLeavesCachedToken(t *testing.T) {
	issuer := &fakeIssuer{err: errors.New("control plane down")}
	m, file := newTestManager(t, issuer)
	writeToken(t, file, api.Token{Token: "cached", ExpiresAt: testNow.Add(time.Hour)})

	_, err := m.Refresh(context.Background())
	require.Error(t, err)

	cur, err := m.Current()
	require.NoError(t, err)
	assert.Equal(t, "cached", cur.Token)
}

func TestCurrent_MissingFile(t *testing.T) {
	m, _ := newTestManager(t, &fakeIssuer{})

	_, err := m.Current()
	require.Error(t, err)
}

func TestDeviceIDClaim(t *testing.T) {
	key := testKey(t)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "dev-42",
		"exp": testNow.Add(time.Hour).Unix(),
	}).SignedString(key)
	require.NoError(t, err)

	id, err := DeviceIDClaim(signed)
	require.NoError(t, err)
	assert.Equal(t, "dev-42", id)
}

func TestDeviceIDClaim_Errors(t *testing.T) {
	_, err := DeviceIDClaim("not-a-jwt")
	require.Error(t, err)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"exp": testNow.Add(time.Hour).Unix(),
	}).SignedString(testKey(t))
	require.NoError(t, err)

	_, err = DeviceIDClaim(signed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no device id")
}

func TestLoadPrivateKey(t *testing.T) {
	key := testKey(t)
	fs := afero.NewMemMapFs()

	pkcs1 := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	require.NoError(t, afero.WriteFile(fs, "/auth/pkcs1.pem", pkcs1, 0o600))

	pkcs8Bytes, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pkcs8 := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8Bytes})
	require.NoError(t, afero.WriteFile(fs, "/auth/pkcs8.pem", pkcs8, 0o600))

	for _, path := range []string{"/auth/pkcs1.pem", "/auth/pkcs8.pem"} {
		loaded, err := LoadPrivateKey(fs, path)
		require.NoError(t, err, path)
		assert.True(t, key.Equal(loaded), path)
	}
}

func TestLoadPrivateKey_Errors(t *testing.T) {
	fs := afero.NewMemMapFs()

	_, err := LoadPrivateKey(fs, "/auth/missing.pem")
	require.Error(t, err)

	require.NoError(t, afero.WriteFile(fs, "/auth/garbage.pem", []byte("not pem"), 0o600))
	_, err = LoadPrivateKey(fs, "/auth/garbage.pem")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no PEM block")
}
