// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/stretchr/testify/require"

	"github.com/cubefs/dbcache/catalog"
	"github.com/cubefs/dbcache/common/arena"
	"github.com/cubefs/dbcache/proto"
	"github.com/cubefs/dbcache/selfmon"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	ctx := context.Background()
	s, err := NewServer(ctx, &Config{
		Catalog:     catalog.Config{Region: arena.RegionConfig{Size: 1 << 20}},
		DisableSync: true,
	})
	require.NoError(t, err)
	s.Start(ctx)
	t.Cleanup(s.Close)

	res, err := s.Catalog().SyncConfiguration(ctx, &proto.Batch{
		Hosts: []proto.HostChange{{Host: proto.Host{ID: 1, Name: "web01"}}},
		Items: []proto.ItemChange{{Item: proto.Item{
			ID: 10, HostID: 1, Key: "agent.ping", Type: proto.ItemTypeAgent, Delay: "1h",
		}}},
	})
	require.NoError(t, err)
	require.True(t, res.OK())

	h := NewHttpServer(s)
	ts := httptest.NewServer(rpc.MiddlewareHandlerWith(h.newHandler(), logHandler{}))
	t.Cleanup(ts.Close)
	return s, ts
}

func get(t *testing.T, url string, v interface{}) int {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestHttpServer_Stats(t *testing.T) {
	_, ts := newTestServer(t)
	var st catalog.Stats
	require.Equal(t, http.StatusOK, get(t, ts.URL+"/stats", &st))
	require.Equal(t, 1, st.Hosts)
	require.Equal(t, 1, st.Items)
	require.NotZero(t, st.Arena.Capacity)

	// workers register their slots once running
	require.Eventually(t, func() bool {
		var procs []selfmon.ProcessStats
		return get(t, ts.URL+"/selfmon", &procs) == http.StatusOK && len(procs) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHttpServer_Item(t *testing.T) {
	_, ts := newTestServer(t)
	var it proto.Item
	require.Equal(t, http.StatusOK, get(t, ts.URL+"/item?id=10", &it))
	require.Equal(t, "agent.ping", it.Key)
	it = proto.Item{}
	require.Equal(t, http.StatusOK, get(t, ts.URL+"/item?host=1&key=agent.ping", &it))
	require.Equal(t, proto.ItemID(10), it.ID)

	require.Equal(t, http.StatusNotFound, get(t, ts.URL+"/item?id=11", nil))
	require.Equal(t, http.StatusNotFound, get(t, ts.URL+"/item?host=2&key=agent.ping", nil))
	require.Equal(t, http.StatusBadRequest, get(t, ts.URL+"/item?id=x", nil))
	require.Equal(t, http.StatusBadRequest, get(t, ts.URL+"/item", nil))
}

func TestHttpServer_Metrics(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "dbcache_lock_wait_seconds")
}
