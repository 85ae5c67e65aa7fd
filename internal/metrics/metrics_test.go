package metrics

import (
	"fmt"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fentz26/toolgate/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestServerStateGauge(t *testing.T) {
	m := New()
	m.ServerStateChanged("fs", models.ServerUnstarted, models.ServerStarting)
	m.ServerStateChanged("fs", models.ServerStarting, models.ServerRunning)

	require.Equal(t, 1.0, testutil.ToFloat64(m.serverState.WithLabelValues("fs", "running")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.serverState.WithLabelValues("fs", "starting")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("fs", "running")))
}

func TestInvocationsAndHealth(t *testing.T) {
	m := New()
	m.ToolInvoked("read_file", "fs", "success", 3*time.Millisecond)
	m.ToolInvoked("read_file", "fs", "success", time.Millisecond)
	m.ToolInvoked("delete_file", "", string(models.KindPermissionDenied), 0)
	m.HealthChecked("fs", false, time.Millisecond)

	require.Equal(t, 2.0, testutil.ToFloat64(m.invocations.WithLabelValues("read_file", "fs", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.invocations.WithLabelValues(UnroutedTool, "", "permission_denied")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.healthChecks.WithLabelValues("fs", "missed")))
}

func TestUnroutedCallsShareOneSeries(t *testing.T) {
	m := New()
	m.ToolInvoked("read_file", "fs", "success", time.Millisecond)
	for i := 0; i < 10; i++ {
		m.ToolInvoked(fmt.Sprintf("guess_%d", i), "", string(models.KindToolNotFound), 0)
		m.ToolInvoked(fmt.Sprintf("secret_%d", i), "", string(models.KindPermissionDenied), 0)
	}
	m.ToolInvoked("guess", "pinned-by-caller", string(models.KindToolNotFound), 0)

	require.Equal(t, 3, testutil.CollectAndCount(m.invocations))
	require.Equal(t, 11.0, testutil.ToFloat64(m.invocations.WithLabelValues(UnroutedTool, "", "tool_not_found")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ToolInvoked("read_file", "fs", "success", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `toolgate_tool_invocations_total{outcome="success",server="fs",tool="read_file"} 1`)
}
