package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/hostlink/internal/logging"
	"github.com/jmcleod/hostlink/internal/metrics"
)

func TestHub_PresenceLifecycle(t *testing.T) {
	h := newHub(logging.Discard(), nil)
	host := newLink("h1", roleHost, 1)
	assert.Equal(t, PresenceUnknown, h.Presence("alice-box"))

	require.NoError(t, h.registerHost("alice-box", host))
	assert.Equal(t, PresenceOnline, h.Presence("alice-box"))
	assert.Equal(t, "online", h.Presence("alice-box").String())

	other := newLink("h2", roleHost, 1)
	assert.ErrorIs(t, h.registerHost("alice-box", other), errUsernameTaken)

	client := newLink("c1", roleClient, 1)
	h.addClient(client)
	assert.Equal(t, PresenceOnline, h.pair(client, "alice-box"))
	assert.Equal(t, "alice-box", client.Username())

	paired := h.unregisterHost(host)
	require.Len(t, paired, 1)
	assert.Equal(t, "c1", paired[0].id)
	assert.Equal(t, PresenceOffline, h.Presence("alice-box"))
	assert.Equal(t, "offline", h.Presence("alice-box").String())

	// A stale link cannot unregister the new holder.
	require.NoError(t, h.registerHost("alice-box", other))
	assert.Nil(t, h.unregisterHost(host))
	assert.Equal(t, PresenceOnline, h.Presence("alice-box"))

	h.removeClient(client)
	assert.Equal(t, Stats{Hosts: 1, Clients: 0, Known: 1}, h.Stats())
}

func TestHub_RenameReleasesOldName(t *testing.T) {
	m := metrics.New()
	h := newHub(logging.Discard(), m)
	host := newLink("h1", roleHost, 1)
	require.NoError(t, h.registerHost("old", host))
	require.NoError(t, h.registerHost("new", host))

	assert.Equal(t, PresenceOffline, h.Presence("old"))
	assert.Equal(t, PresenceOnline, h.Presence("new"))
	assert.Equal(t, Stats{Hosts: 1, Known: 2}, h.Stats())

	assert.Equal(t, 1.0, registeredHosts(t, m))
	h.unregisterHost(host)
	assert.Equal(t, 0.0, registeredHosts(t, m))
}

func registeredHosts(t *testing.T, m *metrics.Metrics) float64 {
	t.Helper()
	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "hostlink_relay_registered_hosts" {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("registered_hosts gauge not found")
	return 0
}
