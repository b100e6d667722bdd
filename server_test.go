/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package flowpeer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-logr/logr/funcr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/zoomoid/go-flowpeer/iana/version"
	"gopkg.in/yaml.v3"
)

func TestRouter(t *testing.T) {
	ctx := context.Background()

	c, err := NewCache(DefaultConfig)
	require.NoError(t, err)
	_, err = c.DefineTemplate(ctx, peerA, version.IPFIX, 5, 256, []byte{0, 8, 0, 4}, 1)
	require.NoError(t, err)
	require.NoError(t, c.RecordPacket(ctx, peerA, version.IPFIX, 10))
	require.NoError(t, c.RecordPacket(ctx, peerC, version.NetflowV5, 30))

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, Register(reg))

	srv := httptest.NewServer(NewRouter(c, reg))
	defer srv.Close()

	do := func(t *testing.T, method, path string) (*http.Response, []byte) {
		t.Helper()
		req, err := http.NewRequest(method, srv.URL+path, nil)
		require.NoError(t, err)
		res, err := srv.Client().Do(req)
		require.NoError(t, err)
		defer res.Body.Close()
		b, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		return res, b
	}

	t.Run("snapshot as json", func(t *testing.T) {
		res, b := do(t, http.MethodGet, "/peers")
		require.Equal(t, http.StatusOK, res.StatusCode)
		require.Equal(t, "application/json", res.Header.Get("Content-Type"))

		s := Snapshot{}
		require.NoError(t, json.Unmarshal(b, &s))
		require.Equal(t, 2, s.NumPeers)
		require.Equal(t, peerA, s.Peers[0].Addr)
		require.Equal(t, []SourceSummary{{Version: version.IPFIX, SourceId: 5, Templates: []uint16{256}}}, s.Peers[0].Sources)
	})

	t.Run("snapshot as yaml", func(t *testing.T) {
		res, b := do(t, http.MethodGet, "/peers?format=yaml")
		require.Equal(t, http.StatusOK, res.StatusCode)
		require.Equal(t, "application/yaml", res.Header.Get("Content-Type"))

		var doc map[string]interface{}
		require.NoError(t, yaml.Unmarshal(b, &doc))
		require.Equal(t, 2, doc["numPeers"])
	})

	t.Run("single peer", func(t *testing.T) {
		res, b := do(t, http.MethodGet, "/peers/"+peerC.String())
		require.Equal(t, http.StatusOK, res.StatusCode)

		p := PeerSummary{}
		require.NoError(t, json.Unmarshal(b, &p))
		require.Equal(t, uint64(30), p.Flows)
		require.Equal(t, version.NetflowV5, p.LastVersion)

		res, _ = do(t, http.MethodGet, "/peers/"+peerB.String())
		require.Equal(t, http.StatusNotFound, res.StatusCode)

		res, _ = do(t, http.MethodGet, "/peers/not-an-address")
		require.Equal(t, http.StatusBadRequest, res.StatusCode)
	})

	t.Run("metrics", func(t *testing.T) {
		res, b := do(t, http.MethodGet, "/metrics")
		require.Equal(t, http.StatusOK, res.StatusCode)
		require.True(t, strings.Contains(string(b), "flowpeer_peers"))
	})

	t.Run("delete peer", func(t *testing.T) {
		res, _ := do(t, http.MethodDelete, "/peers/"+peerC.String())
		require.Equal(t, http.StatusNoContent, res.StatusCode)

		res, _ = do(t, http.MethodDelete, "/peers/"+peerC.String())
		require.Equal(t, http.StatusNotFound, res.StatusCode)

		_, ok := c.Peer(peerC)
		require.False(t, ok)
	})

	t.Run("method not allowed", func(t *testing.T) {
		res, _ := do(t, http.MethodPost, "/peers")
		require.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
	})
}

// brokenWriter fails every write of the body, like a client that went away
type brokenWriter struct {
	*httptest.ResponseRecorder
}

func (brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

func TestWriteFailureIsLogged(t *testing.T) {
	var lines []string
	log := funcr.New(func(prefix, args string) {
		lines = append(lines, args)
	}, funcr.Options{Verbosity: 1})

	req := httptest.NewRequest(http.MethodGet, "/peers", nil)
	req = req.WithContext(IntoContext(req.Context(), log))
	w := brokenWriter{httptest.NewRecorder()}

	write(w, req, http.StatusOK, map[string]int{"num_peers": 0})

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], `"msg"="failed to write response"`)
	require.Contains(t, lines[0], `"error"="connection reset by peer"`)
	require.Contains(t, lines[0], `"path"="/peers"`)
}
