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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fleetd/pkg/agenterr"
)

const (
	// listPageLimit is the page size used when following deployment
	// pagination.
	listPageLimit = 100

	defaultRequestTimeout = 30 * time.Second
)

// HTTPClient talks to the control plane over its JSON HTTP API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	userAgent  string
	logger     *slog.Logger
}

// HTTPClientConfig configures an HTTPClient.
type HTTPClientConfig struct {
	// BaseURL is the control-plane endpoint, e.g. "https://api.example.com".
	BaseURL string

	// Timeout bounds each request. Zero means 30s.
	Timeout time.Duration

	// UserAgent identifies this agent build.
	UserAgent string
}

// NewHTTPClient creates a control-plane client.
func NewHTTPClient(cfg HTTPClientConfig, logger *slog.Logger) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("control-plane base URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "fleetd"
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{},
		timeout:    cfg.Timeout,
		userAgent:  cfg.UserAgent,
		logger:     logger.With("component", "controlplane-client"),
	}, nil
}

// listDeploymentsPage is the wire shape of one deployments page.
type listDeploymentsPage struct {
	Deployments []Deployment `json:"deployments"`
	HasMore     bool         `json:"has_more"`
}

// ListAllDeployments pages through the deployments endpoint until the control
// plane reports has_more=false.
func (c *HTTPClient) ListAllDeployments(ctx context.Context, filter ListDeploymentsFilter, token string) ([]Deployment, error) {
	var all []Deployment
	offset := 0

	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(listPageLimit))
		q.Set("offset", strconv.Itoa(offset))
		for _, st := range filter.ActivityStatuses {
			q.Add("activity_status", string(st))
		}
		if filter.ExpandContent {
			q.Set("expand", "config_instances.content")
		}

		var page listDeploymentsPage
		if err := c.do(ctx, http.MethodGet, "/v1/deployments?"+q.Encode(), nil, token, &page); err != nil {
			return nil, fmt.Errorf("listing deployments (offset %d): %w", offset, err)
		}

		all = append(all, page.Deployments...)
		if !page.HasMore {
			return all, nil
		}
		offset += listPageLimit
	}
}

// UpdateDeployment pushes the observed status of one deployment.
func (c *HTTPClient) UpdateDeployment(ctx context.Context, id string, update DeploymentUpdate, token string) (*Deployment, error) {
	var out Deployment
	path := "/v1/deployments/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodPatch, path, update, token, &out); err != nil {
		return nil, fmt.Errorf("updating deployment %s: %w", id, err)
	}
	return &out, nil
}

// UpdateDevice patches the device record.
func (c *HTTPClient) UpdateDevice(ctx context.Context, id string, update DeviceUpdate, token string) (*Device, error) {
	var out Device
	path := "/v1/devices/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodPatch, path, update, token, &out); err != nil {
		return nil, fmt.Errorf("updating device %s: %w", id, err)
	}
	return &out, nil
}

// IssueDeviceToken exchanges a signed request for a fresh bearer token.
// The request itself carries the proof of possession, so no bearer token is
// attached.
func (c *HTTPClient) IssueDeviceToken(ctx context.Context, deviceID, signedRequest string) (*Token, error) {
	var out Token
	body := map[string]string{"signed_request": signedRequest}
	path := "/v1/devices/" + url.PathEscape(deviceID) + "/token"
	if err := c.do(ctx, http.MethodPost, path, body, "", &out); err != nil {
		return nil, fmt.Errorf("issuing device token: %w", err)
	}
	return &out, nil
}

// do performs a single JSON request and decodes the response into out.
// Transport failures come back as network-connection errors, 401 as an
// authentication error.
func (c *HTTPClient) do(ctx context.Context, method, path string, body any, token string, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return agenterr.Network(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return agenterr.Auth(fmt.Errorf("control plane rejected credentials (HTTP 401)"))
	case resp.StatusCode >= 400:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("control plane returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
