package obsmetrics

import (
	"testing"

	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithRegistryRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.RegistrationAttemptsTotal.WithLabelValues("server", "success").Inc()
	m.BootstrapAttemptsTotal.WithLabelValues("failure").Inc()
	m.DispatchRequestsTotal.WithLabelValues("read", "2.xx").Inc()
	m.NotificationsTotal.WithLabelValues("mutation").Inc()
	m.RegisteredClients.Set(3)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.RegistrationAttemptsTotal.WithLabelValues("server", "success")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.RegisteredClients))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["lwm2m_registration_attempts_total"])
	assert.True(t, names["lwm2m_bootstrap_attempts_total"])
	assert.True(t, names["lwm2m_dispatch_requests_total"])
	assert.True(t, names["lwm2m_notifications_total"])
	assert.True(t, names["lwm2m_registered_clients"])
}

func TestCodeClass(t *testing.T) {
	assert.Equal(t, "2.xx", CodeClass(uint8(codes.Changed)))
	assert.Equal(t, "2.xx", CodeClass(uint8(codes.Content)))
	assert.Equal(t, "4.xx", CodeClass(uint8(codes.NotFound)))
	assert.Equal(t, "5.xx", CodeClass(uint8(codes.InternalServerError)))
}
