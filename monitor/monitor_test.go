package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jnesss/connwatch/channel"
	"github.com/jnesss/connwatch/network"
)

func observation(comm string, a, b, c, d byte, port uint16, pid uint32) network.Observation {
	return network.Observation{
		Kind: network.KindStream,
		Port: network.Htons(port),
		Addr: network.AddressFrom4(a, b, c, d),
		Comm: comm,
		PID:  pid,
	}
}

func drain(ch channel.Channel) []string {
	var out []string
	buf := make([]byte, 256)
	for {
		n := ch.ReadNext(buf)
		if n == 0 {
			return out
		}
		out = append(out, string(buf[:n]))
	}
}

func TestObservePublishesPublic(t *testing.T) {
	ch := channel.NewQueue(8)
	m, err := New(ch, Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	m.Observe(observation("curl", 93, 184, 216, 34, 443, 1234))

	assert.Equal(t, []string{"stream port:443 addr:93.184.216.34 from curl pid 1234\n"}, drain(ch))
	st := m.Stats()
	assert.Equal(t, uint64(1), st.Observed)
	assert.Equal(t, uint64(1), st.Published)
	assert.Equal(t, uint64(1), st.Delivered)
}

func TestObserveFiltersReserved(t *testing.T) {
	reg := prometheus.NewRegistry()
	ch := channel.NewQueue(8)
	m, err := New(ch, Options{Registerer: reg})
	require.NoError(t, err)

	for _, o := range []network.Observation{
		observation("a", 10, 1, 2, 3, 80, 1),
		observation("a", 172, 20, 0, 1, 80, 1),
		observation("a", 192, 168, 1, 1, 80, 1),
		observation("a", 0, 1, 2, 3, 80, 1),
		observation("a", 127, 0, 0, 1, 80, 1),
	} {
		m.Observe(o)
	}

	assert.False(t, ch.Pending())
	assert.Empty(t, drain(ch))
	assert.Equal(t, uint64(5), m.Stats().Filtered)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.Filtered.WithLabelValues("loopback")))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.metrics.Observations.WithLabelValues("stream")))
	assert.Zero(t, testutil.ToFloat64(m.metrics.Published))
}

type stubRules struct{ comm string }

func (s stubRules) Match(_ context.Context, obs network.Observation) (string, bool) {
	return "stub", obs.Comm == s.comm
}

func TestObserveSuppressed(t *testing.T) {
	ch := channel.NewQueue(8)
	m, err := New(ch, Options{Rules: stubRules{comm: "apt"}})
	require.NoError(t, err)

	m.Observe(observation("apt", 91, 189, 88, 152, 80, 10))
	m.Observe(observation("curl", 91, 189, 88, 152, 80, 11))

	out := drain(ch)
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "from curl")
	assert.Equal(t, uint64(1), m.Stats().Suppressed)
}

type stubNames map[uint32]string

func (s stubNames) Lookup(pid uint32) string { return s[pid] }

func TestObserveFillsMissingComm(t *testing.T) {
	ch := channel.NewQueue(8)
	m, err := New(ch, Options{Names: stubNames{42: "wget"}})
	require.NoError(t, err)

	m.Observe(observation("", 1, 1, 1, 1, 443, 42))
	m.Observe(observation("", 1, 1, 1, 1, 443, 43))

	assert.Equal(t, []string{
		"stream port:443 addr:1.1.1.1 from wget pid 42\n",
		"stream port:443 addr:1.1.1.1 from ? pid 43\n",
	}, drain(ch))
}

func TestObserveRecordCapacity(t *testing.T) {
	ch := channel.NewQueue(8)
	m, err := New(ch, Options{RecordCapacity: 16})
	require.NoError(t, err)

	m.Observe(observation("curl", 93, 184, 216, 34, 443, 1234))
	out := drain(ch)
	require.Len(t, out, 1)
	assert.Len(t, out[0], 16)
	assert.True(t, strings.HasSuffix(out[0], "\n"))
}

func TestObserveLatestPolicyOverwrites(t *testing.T) {
	ch := channel.NewSlot()
	m, err := New(ch, Options{})
	require.NoError(t, err)

	m.Observe(observation("first", 1, 1, 1, 1, 80, 1))
	m.Observe(observation("second", 1, 1, 1, 1, 80, 2))

	assert.Equal(t, []string{"stream port:80 addr:1.1.1.1 from second pid 2\n"}, drain(ch))
	assert.Equal(t, uint64(1), m.Stats().Dropped)
}

func TestObserveConcurrent(t *testing.T) {
	ch := channel.NewQueue(4096)
	m, err := New(ch, Options{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				m.Observe(observation(fmt.Sprintf("w%d", w), 8, 8, 8, byte(i), 53, uint32(i)))
				m.Observe(observation("lan", 192, 168, 0, byte(i), 53, uint32(i)))
			}
		}(w)
	}
	wg.Wait()

	out := drain(ch)
	assert.Len(t, out, 800)
	for _, line := range out {
		assert.Regexp(t, `^stream port:53 addr:8\.8\.8\.\d+ from w\d pid \d+\n$`, line)
	}
	st := m.Stats()
	assert.Equal(t, uint64(1600), st.Observed)
	assert.Equal(t, uint64(800), st.Filtered)
}

func TestMetricsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(channel.NewSlot(), Options{Registerer: reg})
	require.NoError(t, err)
	_, err = New(channel.NewSlot(), Options{Registerer: reg})
	assert.Error(t, err)
}

func TestSetHooksRegistered(t *testing.T) {
	m, err := New(channel.NewSlot(), Options{})
	require.NoError(t, err)
	m.SetHooksRegistered(2)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.metrics.HooksRegistered))
}
