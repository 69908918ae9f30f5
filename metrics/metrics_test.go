package metrics

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ruteri/threshold-vault-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_Twice(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg), "Registering again should be tolerated")
}

func TestRecordOperation(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		result string
	}{
		{"success", nil, ResultOK},
		{"wrong password", fmt.Errorf("unlock: %w", interfaces.ErrInvalidPassword), ResultAuthFailed},
		{"wrong backup key", interfaces.ErrInvalidBackupKey, ResultAuthFailed},
		{"structural", interfaces.ErrRequestExpired, ResultError},
		{"other", errors.New("boom"), ResultError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := "test_" + strings.ReplaceAll(tt.name, " ", "_")
			before := testutil.ToFloat64(VaultOperations.WithLabelValues(op, tt.result))
			RecordOperation(op, tt.err)
			after := testutil.ToFloat64(VaultOperations.WithLabelValues(op, tt.result))
			assert.Equal(t, before+1, after)
		})
	}
}

func TestMetricsServer_Handler(t *testing.T) {
	srv, err := New("threshold_vault_test", "127.0.0.1:0")
	require.NoError(t, err)

	RecordOperation("handler_check", nil)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "threshold_vault_vault_operations_total")
}
