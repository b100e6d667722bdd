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
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/zoomoid/go-flowpeer/iana/version"
)

// logSink collects formatted log lines for assertions
type logSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *logSink) logger() logr.Logger {
	return funcr.New(func(prefix, args string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.lines = append(s.lines, prefix+" "+args)
	}, funcr.Options{})
}

func (s *logSink) count(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.lines {
		if strings.Contains(l, substr) {
			n++
		}
	}
	return n
}

func testConfig(peers, sources, templates int) Config {
	cfg := DefaultConfig
	cfg.MaxPeers = peers
	cfg.MaxSources = sources
	cfg.MaxTemplates = templates
	return cfg
}

var (
	peerA = netip.MustParseAddr("192.0.2.1")
	peerB = netip.MustParseAddr("192.0.2.2")
	peerC = netip.MustParseAddr("2001:db8::3")
)

func TestPeerTable(t *testing.T) {
	t.Run("rejects invalid config", func(t *testing.T) {
		_, err := NewPeerTable(testConfig(0, 1, 1))
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("evicts least recently used peer", func(t *testing.T) {
		logs := &logSink{}
		pt, err := NewPeerTable(testConfig(2, 4, 4), WithLogger(logs.logger()))
		require.NoError(t, err)

		forced := testutil.ToFloat64(ForcedEvictions.WithLabelValues(levelPeer))

		for _, addr := range []netip.Addr{peerA, peerB, peerC} {
			_, err := pt.FindOrCreate(addr)
			require.NoError(t, err)
		}

		require.Equal(t, 2, pt.Len())
		_, ok := pt.Find(peerA)
		require.False(t, ok)
		_, ok = pt.Find(peerB)
		require.True(t, ok)
		_, ok = pt.Find(peerC)
		require.True(t, ok)
		require.Equal(t, uint64(1), pt.Forced())

		require.Equal(t, forced+1, testutil.ToFloat64(ForcedEvictions.WithLabelValues(levelPeer)))
		require.Equal(t, 1, logs.count("forced deletion of peer"))
		require.Equal(t, 1, logs.count(peerA.String()))
	})

	t.Run("lookup of an existing peer refreshes it", func(t *testing.T) {
		pt, err := NewPeerTable(testConfig(2, 4, 4))
		require.NoError(t, err)

		a, err := pt.FindOrCreate(peerA)
		require.NoError(t, err)
		_, err = pt.FindOrCreate(peerB)
		require.NoError(t, err)

		again, err := pt.FindOrCreate(peerA)
		require.NoError(t, err)
		require.Same(t, a, again)

		_, err = pt.FindOrCreate(peerC)
		require.NoError(t, err)

		_, ok := pt.Find(peerA)
		require.True(t, ok)
		_, ok = pt.Find(peerB)
		require.False(t, ok)
	})

	t.Run("IPv4-mapped addresses are the same peer", func(t *testing.T) {
		pt, err := NewPeerTable(testConfig(2, 4, 4))
		require.NoError(t, err)

		p, err := pt.FindOrCreate(peerA)
		require.NoError(t, err)
		mapped, err := pt.FindOrCreate(netip.AddrFrom16(peerA.As16()))
		require.NoError(t, err)
		require.Same(t, p, mapped)
		require.Equal(t, 1, pt.Len())
	})

	t.Run("touch updates counters", func(t *testing.T) {
		mock := clock.NewMock()
		mock.Set(time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC))
		pt, err := NewPeerTable(testConfig(2, 4, 4), WithClock(mock))
		require.NoError(t, err)

		p, err := pt.FindOrCreate(peerA)
		require.NoError(t, err)
		require.Equal(t, mock.Now(), p.FirstSeen)
		require.True(t, p.LastValid.IsZero())

		mock.Add(time.Minute)
		pt.Touch(p, 30, version.NetflowV5)
		mock.Add(time.Minute)
		pt.Touch(p, 12, version.IPFIX)

		require.Equal(t, uint64(2), p.Packets)
		require.Equal(t, uint64(42), p.Flows)
		require.Equal(t, version.IPFIX, p.LastVersion)
		require.Equal(t, mock.Now(), p.LastValid)
		require.Equal(t, mock.Now().Add(-2*time.Minute), p.FirstSeen)
	})

	t.Run("new peers have a source table per templated version", func(t *testing.T) {
		pt, err := NewPeerTable(testConfig(2, 4, 4))
		require.NoError(t, err)

		p, err := pt.FindOrCreate(peerA)
		require.NoError(t, err)
		for _, v := range version.Templated {
			st, ok := p.Sources(v)
			require.True(t, ok)
			require.Equal(t, v, st.Version())
			require.Zero(t, st.Len())
		}
		_, ok := p.Sources(version.NetflowV5)
		require.False(t, ok)
	})

	t.Run("delete cascades to sources and templates", func(t *testing.T) {
		pt, err := NewPeerTable(testConfig(2, 4, 4))
		require.NoError(t, err)

		templates := testutil.ToFloat64(TemplatesGauge)
		sources := testutil.ToFloat64(SourcesGauge)

		p, err := pt.FindOrCreate(peerA)
		require.NoError(t, err)
		st, _ := p.Sources(version.NetflowV9)
		s, err := st.FindOrCreate(1)
		require.NoError(t, err)
		tpl, err := s.Templates().InsertOrReplace(256, []byte{0, 1, 0, 4}, 1)
		require.NoError(t, err)

		require.Equal(t, templates+1, testutil.ToFloat64(TemplatesGauge))
		require.Equal(t, sources+1, testutil.ToFloat64(SourcesGauge))

		pt.Delete(p)
		require.Zero(t, pt.Len())
		require.Zero(t, st.Len())
		require.Zero(t, s.Templates().Len())
		require.Nil(t, tpl.Layout)
		require.Equal(t, templates, testutil.ToFloat64(TemplatesGauge))
		require.Equal(t, sources, testutil.ToFloat64(SourcesGauge))
		// explicit deletion is not forced
		require.Zero(t, pt.Forced())
	})

	t.Run("evicted peer takes its templates along", func(t *testing.T) {
		pt, err := NewPeerTable(testConfig(1, 4, 4))
		require.NoError(t, err)

		p, err := pt.FindOrCreate(peerA)
		require.NoError(t, err)
		st, _ := p.Sources(version.IPFIX)
		s, err := st.FindOrCreate(7)
		require.NoError(t, err)
		_, err = s.Templates().InsertOrReplace(300, []byte{0, 8, 0, 4}, 1)
		require.NoError(t, err)

		_, err = pt.FindOrCreate(peerB)
		require.NoError(t, err)
		require.Zero(t, st.Len())
		require.Zero(t, s.Templates().Len())
	})

	t.Run("dump is ordered by address and does not reorder", func(t *testing.T) {
		pt, err := NewPeerTable(testConfig(3, 4, 4))
		require.NoError(t, err)

		for _, addr := range []netip.Addr{peerC, peerB, peerA} {
			_, err := pt.FindOrCreate(addr)
			require.NoError(t, err)
		}
		before := pt.Peers()

		dump := pt.Dump()
		require.Len(t, dump, 3)
		require.Equal(t, peerA, dump[0].Addr)
		require.Equal(t, peerB, dump[1].Addr)
		require.Equal(t, peerC, dump[2].Addr)

		require.Equal(t, before, pt.Peers())
		require.Equal(t, peerA, before[0].Addr)
	})

	t.Run("log writes one line per peer", func(t *testing.T) {
		logs := &logSink{}
		pt, err := NewPeerTable(testConfig(3, 4, 4))
		require.NoError(t, err)

		for _, addr := range []netip.Addr{peerA, peerB} {
			_, err := pt.FindOrCreate(addr)
			require.NoError(t, err)
		}
		pt.Log(IntoContext(context.Background(), logs.logger()))

		require.Equal(t, 1, logs.count(`"peer state"`))
		require.Equal(t, 2, logs.count(`"msg"="peer"`))
	})
}
