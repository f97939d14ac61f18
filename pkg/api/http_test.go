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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetd/pkg/agenterr"
)

func newTestClient(t *testing.T, handler http.Handler) (*HTTPClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewHTTPClient(HTTPClientConfig{BaseURL: server.URL}, slog.Default())
	require.NoError(t, err)
	return client, server
}

func TestNewHTTPClient_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTPClient(HTTPClientConfig{}, slog.Default())
	require.Error(t, err)
}

func TestNewHTTPClient_TrimsTrailingSlash(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(listDeploymentsPage{})
	}))
	t.Cleanup(server.Close)

	client, err := NewHTTPClient(HTTPClientConfig{BaseURL: server.URL + "/"}, slog.Default())
	require.NoError(t, err)

	_, err = client.ListAllDeployments(context.Background(), ListDeploymentsFilter{}, "tok")
	require.NoError(t, err)
	assert.Equal(t, "/v1/deployments", gotPath)
}

func TestListAllDeployments_FollowsPagination(t *testing.T) {
	// Three pages of 100, 100, 50 deployments.
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		assert.Equal(t, "100", r.URL.Query().Get("limit"))

		count := 100
		hasMore := true
		if offset >= 200 {
			count = 50
			hasMore = false
		}

		page := listDeploymentsPage{HasMore: hasMore}
		for i := 0; i < count; i++ {
			page.Deployments = append(page.Deployments, Deployment{
				ID: fmt.Sprintf("d-%d", offset+i),
			})
		}
		_ = json.NewEncoder(w).Encode(page)
	}))

	deployments, err := client.ListAllDeployments(context.Background(), ListDeploymentsFilter{}, "tok")
	require.NoError(t, err)
	require.Len(t, deployments, 250)
	assert.Equal(t, "d-0", deployments[0].ID)
	assert.Equal(t, "d-249", deployments[249].ID)
}

func TestListAllDeployments_SendsFilterAndAuth(t *testing.T) {
	var gotQuery map[string][]string
	var gotAuth string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(listDeploymentsPage{})
	}))

	_, err := client.ListAllDeployments(context.Background(), ListDeploymentsFilter{
		ActivityStatuses: []ActivityStatus{ActivityStatusQueued, ActivityStatusDeployed},
		ExpandContent:    true,
	}, "secret-token")
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, []string{"queued", "deployed"}, gotQuery["activity_status"])
	assert.Equal(t, []string{"config_instances.content"}, gotQuery["expand"])
}

func TestUpdateDeployment_PatchesStatus(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/v1/deployments/d1", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var update DeploymentUpdate
		require.NoError(t, json.NewDecoder(r.Body).Decode(&update))
		assert.Equal(t, ActivityStatusDeployed, update.ActivityStatus)

		_ = json.NewEncoder(w).Encode(Deployment{ID: "d1", ActivityStatus: update.ActivityStatus})
	}))

	updated, err := client.UpdateDeployment(context.Background(), "d1", DeploymentUpdate{
		ActivityStatus: ActivityStatusDeployed,
		ErrorStatus:    ErrorStatusNone,
	}, "tok")
	require.NoError(t, err)
	assert.Equal(t, ActivityStatusDeployed, updated.ActivityStatus)
}

func TestUpdateDevice_PatchesRecord(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/v1/devices/dev-1", r.URL.Path)

		var update DeviceUpdate
		require.NoError(t, json.NewDecoder(r.Body).Decode(&update))
		require.NotNil(t, update.Status)

		_ = json.NewEncoder(w).Encode(Device{ID: "dev-1", Status: *update.Status})
	}))

	online := DeviceStatusOnline
	device, err := client.UpdateDevice(context.Background(), "dev-1", DeviceUpdate{Status: &online}, "tok")
	require.NoError(t, err)
	assert.Equal(t, DeviceStatusOnline, device.Status)
}

func TestIssueDeviceToken_NoBearerAttached(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/devices/dev-1/token", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "signed", body["signed_request"])

		_ = json.NewEncoder(w).Encode(Token{Token: "fresh", ExpiresAt: time.Now().Add(time.Hour)})
	}))

	token, err := client.IssueDeviceToken(context.Background(), "dev-1", "signed")
	require.NoError(t, err)
	assert.Equal(t, "fresh", token.Token)
}

func TestDo_UnauthorizedIsAuthenticationError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.ListAllDeployments(context.Background(), ListDeploymentsFilter{}, "stale")
	require.Error(t, err)
	assert.True(t, agenterr.IsAuthentication(err))
	assert.False(t, agenterr.IsNetworkConnection(err))
}

func TestDo_ServerErrorIncludesBodySnippet(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("database is on fire"))
	}))

	_, err := client.ListAllDeployments(context.Background(), ListDeploymentsFilter{}, "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
	assert.Contains(t, err.Error(), "database is on fire")
	assert.False(t, agenterr.IsAuthentication(err))
}

func TestDo_TransportFailureIsNetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close() // refuse all connections

	client, err := NewHTTPClient(HTTPClientConfig{BaseURL: server.URL}, slog.Default())
	require.NoError(t, err)

	_, err = client.ListAllDeployments(context.Background(), ListDeploymentsFilter{}, "tok")
	require.Error(t, err)
	assert.True(t, agenterr.IsNetworkConnection(err))
}

func TestDo_TimeoutIsNetworkError(t *testing.T) {
	blocked := make(chan struct{})
	defer close(blocked)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	t.Cleanup(server.Close)

	client, err := NewHTTPClient(HTTPClientConfig{
		BaseURL: server.URL,
		Timeout: 50 * time.Millisecond,
	}, slog.Default())
	require.NoError(t, err)

	_, err = client.ListAllDeployments(context.Background(), ListDeploymentsFilter{}, "tok")
	require.Error(t, err)
	assert.True(t, agenterr.IsNetworkConnection(err))
}

func TestDo_MalformedResponseFails(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))

	_, err := client.ListAllDeployments(context.Background(), ListDeploymentsFilter{}, "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding response")
}
