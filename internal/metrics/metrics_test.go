package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesGuardCollectors(t *testing.T) {
	MessagesTotal.WithLabelValues("clean").Inc()
	ActionsTotal.WithLabelValues("kick", "warn", "true").Inc()
	PolicyReadErrors.Inc()
	SessionsByState.WithLabelValues("READY").Set(1)
	AdminRequestsTotal.WithLabelValues("send_text", "rate_limited").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	for _, name := range []string{
		`guard_messages_total{outcome="clean"}`,
		`guard_actions_total{applied="warn",requested="kick",success="true"}`,
		"guard_policy_read_errors_total",
		`guard_sessions{state="READY"}`,
		`guard_admin_requests_total{code="rate_limited",op="send_text"}`,
	} {
		assert.True(t, strings.Contains(body, name), "missing %s", name)
	}
}
