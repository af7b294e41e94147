package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fakeObject struct {
	name       string
	len        int
	stale      int
	used, cap_ int
}

func (f fakeObject) Name() string             { return f.name }
func (f fakeObject) Len() int                 { return f.len }
func (f fakeObject) StaleCount() int          { return f.stale }
func (f fakeObject) IndexUsage() (int, int)   { return f.used, f.cap_ }

type fakeTransport struct{ inFlight int }

func (f fakeTransport) InFlightCount() int { return f.inFlight }

func TestCollector_ScrapesRegisteredSources(t *testing.T) {
	c := NewCollector()
	c.AddEntryObject(fakeObject{name: "interface", len: 3, stale: 1, used: 2, cap_: 10})
	c.AddTransport("shard-0", fakeTransport{inFlight: 5})

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(c))

	metricFamilies, err := registry.Gather()
	require.NoError(t, err)

	var found map[string]bool = map[string]bool{}
	for _, mf := range metricFamilies {
		found[mf.GetName()] = true
	}
	for _, name := range []string{
		"ksync_entries", "ksync_stale_entries", "ksync_index_used",
		"ksync_index_capacity", "ksync_transport_in_flight", "ksync_flow_evictions_total",
	} {
		require.True(t, found[name], "expected metric family %s, got %v", name, found)
	}
}

func TestCollector_SkipsIndexMetricsWhenNoIndexTable(t *testing.T) {
	c := NewCollector()
	c.AddEntryObject(fakeObject{name: "route", len: 1, cap_: 0})

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(c))

	metricFamilies, err := registry.Gather()
	require.NoError(t, err)

	for _, mf := range metricFamilies {
		if mf.GetName() == "ksync_index_used" || mf.GetName() == "ksync_index_capacity" {
			require.Empty(t, mf.GetMetric(), "route has no index table, expected no samples for %s", mf.GetName())
		}
	}
}

func TestWrapEvictionCallback_CountsAndForwards(t *testing.T) {
	c := NewCollector()
	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(c))

	var forwarded []int
	wrapped := WrapEvictionCallback(c, func(loser int, genID uint8) {
		forwarded = append(forwarded, loser)
	})

	wrapped(42, 7)
	wrapped(43, 8)

	require.Equal(t, []int{42, 43}, forwarded)
	require.Equal(t, float64(2), testutil.ToFloat64(c.flowEvictions))
}

func TestCollector_DescribeIsConsistentWithCollect(t *testing.T) {
	c := NewCollector()
	c.AddEntryObject(fakeObject{name: "x", cap_: 4})

	// Register runs Describe only; a pedantic registry's Gather then runs
	// Collect and rejects any collected metric whose Desc was not
	// Describe-d.
	registry := prometheus.NewPedanticRegistry()
	require.NoError(t, registry.Register(c))
	_, err := registry.Gather()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix("ksync_entries", "ksync_"))
}
