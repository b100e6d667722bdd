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
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/zoomoid/go-flowpeer/iana/version"
)

func TestSourceTable(t *testing.T) {
	t.Run("eviction cascades templates", func(t *testing.T) {
		logs := &logSink{}
		pt, err := NewPeerTable(testConfig(2, 1, 4), WithLogger(logs.logger()))
		require.NoError(t, err)

		p, err := pt.FindOrCreate(peerA)
		require.NoError(t, err)
		st, _ := p.Sources(version.NetflowV9)

		forced := testutil.ToFloat64(ForcedEvictions.WithLabelValues(levelSource))

		s1, err := st.FindOrCreate(1)
		require.NoError(t, err)
		t1, err := s1.Templates().InsertOrReplace(256, []byte{0, 8, 0, 4}, 1)
		require.NoError(t, err)
		t2, err := s1.Templates().InsertOrReplace(257, []byte{0, 12, 0, 4}, 1)
		require.NoError(t, err)

		s2, err := st.FindOrCreate(2)
		require.NoError(t, err)

		_, ok := st.Find(1)
		require.False(t, ok)
		require.Zero(t, s1.Templates().Len())
		require.Nil(t, t1.Layout)
		require.Nil(t, t2.Layout)

		found, ok := st.Find(2)
		require.True(t, ok)
		require.Same(t, s2, found)
		require.Zero(t, s2.Templates().Len())

		require.Equal(t, uint64(1), st.Forced())
		require.Equal(t, forced+1, testutil.ToFloat64(ForcedEvictions.WithLabelValues(levelSource)))
		require.Equal(t, 1, logs.count("forced deletion of source"))
		require.Equal(t, 1, logs.count(`"source_id"=1`))
	})

	t.Run("versions are tracked separately", func(t *testing.T) {
		pt, err := NewPeerTable(testConfig(2, 1, 4))
		require.NoError(t, err)

		p, err := pt.FindOrCreate(peerA)
		require.NoError(t, err)
		v9, _ := p.Sources(version.NetflowV9)
		ipfix, _ := p.Sources(version.IPFIX)

		_, err = v9.FindOrCreate(5)
		require.NoError(t, err)
		_, err = ipfix.FindOrCreate(6)
		require.NoError(t, err)

		require.Equal(t, 1, v9.Len())
		require.Equal(t, 1, ipfix.Len())
		require.Zero(t, v9.Forced())
		require.Zero(t, ipfix.Forced())
	})

	t.Run("touching a source touches its peer", func(t *testing.T) {
		pt, err := NewPeerTable(testConfig(2, 2, 4))
		require.NoError(t, err)

		a, err := pt.FindOrCreate(peerA)
		require.NoError(t, err)
		stA, _ := a.Sources(version.IPFIX)
		s1, err := stA.FindOrCreate(1)
		require.NoError(t, err)
		_, err = stA.FindOrCreate(2)
		require.NoError(t, err)

		_, err = pt.FindOrCreate(peerB)
		require.NoError(t, err)

		pt.TouchSource(a, version.IPFIX, s1)
		require.Equal(t, peerA, pt.Peers()[0].Addr)
		require.Equal(t, uint32(1), stA.Sources()[0].ID)

		// peer B is now the least recently used one
		_, err = pt.FindOrCreate(peerC)
		require.NoError(t, err)
		_, ok := pt.Find(peerB)
		require.False(t, ok)
		_, ok = pt.Find(peerA)
		require.True(t, ok)
	})

	t.Run("delete removes templates but is not forced", func(t *testing.T) {
		pt, err := NewPeerTable(testConfig(1, 2, 4))
		require.NoError(t, err)

		p, err := pt.FindOrCreate(peerA)
		require.NoError(t, err)
		st, _ := p.Sources(version.NetflowV9)
		s, err := st.FindOrCreate(9)
		require.NoError(t, err)
		_, err = s.Templates().InsertOrReplace(300, []byte{0, 8, 0, 4}, 1)
		require.NoError(t, err)

		st.Delete(s)
		require.Zero(t, st.Len())
		require.Zero(t, s.Templates().Len())
		require.Zero(t, st.Forced())
	})
}
