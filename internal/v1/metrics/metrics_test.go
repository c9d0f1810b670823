package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistered(t *testing.T) {
	// promauto registers against the default registry at init; incrementing
	// without panic confirms registration succeeded.
	IncSocket()
	DecSocket()
	ActiveUsers.Inc()
	ActiveUsers.Dec()
	ActiveRooms.Set(0)
	ReliableResends.Inc()

	WsEvents.WithLabelValues("callStart", "ok").Inc()
	if v := testutil.ToFloat64(WsEvents.WithLabelValues("callStart", "ok")); v < 1 {
		t.Errorf("expected WsEvents to be at least 1, got %v", v)
	}

	CallEvents.WithLabelValues("accept", "ok").Inc()
	PushAttempts.WithLabelValues("sent").Inc()
	StoreQueryDuration.WithLabelValues("send_message").Observe(0.01)
}
