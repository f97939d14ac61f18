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

// Package token manages the device bearer credential: an actor owning the
// token cached file, the device key pair, and the refresh flow against the
// control plane.
package token

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/afero"

	"fleetd/pkg/api"
	"fleetd/pkg/store/cachedfile"
)

// requestTTL bounds the validity of a signed token request.
const requestTTL = 5 * time.Minute

// Issuer issues fresh device tokens; the control-plane client implements it.
type Issuer interface {
	IssueDeviceToken(ctx context.Context, deviceID, signedRequest string) (*api.Token, error)
}

// Manager serializes access to the token file and the refresh flow. The
// MQTT worker and the sync loop read through it; only one refresh runs at a
// time.
type Manager struct {
	deviceID string
	key      *rsa.PrivateKey
	issuer   Issuer
	file     *cachedfile.File
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex
}

// NewManager creates a manager over an opened token cached file.
func NewManager(deviceID string, key *rsa.PrivateKey, issuer Issuer, file *cachedfile.File, logger *slog.Logger) *Manager {
	return &Manager{
		deviceID: deviceID,
		key:      key,
		issuer:   issuer,
		file:     file,
		logger:   logger.With("component", "token-manager"),
		now:      time.Now,
	}
}

// Get returns the cached token, refreshing first when it is expired.
func (m *Manager) Get(ctx context.Context) (api.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, err := m.read()
	if err == nil && !tok.ExpiresWithin(m.now(), 0) {
		return tok, nil
	}
	return m.refreshLocked(ctx)
}

// Refresh unconditionally exchanges a signed request for a fresh token.
func (m *Manager) Refresh(ctx context.Context) (api.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked(ctx)
}

// Current returns the cached token without refreshing.
func (m *Manager) Current() (api.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read()
}

func (m *Manager) refreshLocked(ctx context.Context) (api.Token, error) {
	signed, err := m.signRequest()
	if err != nil {
		return api.Token{}, err
	}

	tok, err := m.issuer.IssueDeviceToken(ctx, m.deviceID, signed)
	if err != nil {
		return api.Token{}, fmt.Errorf("refreshing token: %w", err)
	}

	data, err := json.Marshal(tok)
	if err != nil {
		return api.Token{}, fmt.Errorf("encoding token: %w", err)
	}
	if err := m.file.Write(data); err != nil {
		return api.Token{}, fmt.Errorf("persisting token: %w", err)
	}

	m.logger.Info("token refreshed", "expires_at", tok.ExpiresAt)
	return *tok, nil
}

// signRequest produces the RS256-signed proof of key possession the control
// plane requires for token issuance.
func (m *Manager) signRequest() (string, error) {
	now := m.now()
	claims := jwt.MapClaims{
		"sub": m.deviceID,
		"iat": now.Unix(),
		"exp": now.Add(requestTTL).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("signing token request: %w", err)
	}
	return signed, nil
}

func (m *Manager) read() (api.Token, error) {
	var tok api.Token
	raw, err := m.file.Read()
	if err != nil {
		return tok, fmt.Errorf("reading token file: %w", err)
	}
	if err := json.Unmarshal(raw, &tok); err != nil {
		return tok, fmt.Errorf("decoding token file: %w", err)
	}
	return tok, nil
}

// DeviceIDClaim extracts the device-id (sub) claim from a JWT without
// verifying the signature. Used by the supervisor's self-heal path: a token
// on disk is trusted as far as naming the device it was issued for.
func DeviceIDClaim(tokenString string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return "", fmt.Errorf("parsing token claims: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token has no device id claim")
	}
	return sub, nil
}

// LoadPrivateKey reads a PEM-encoded RSA private key.
func LoadPrivateKey(fs afero.Fs, path string) (*rsa.PrivateKey, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("private key %s: no PEM block", path)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key %s: %w", path, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key %s: not an RSA key", path)
	}
	return key, nil
}
