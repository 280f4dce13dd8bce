package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/asnowfix/wifimgr/pkg/wifi"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type source struct {
	stats     wifi.Stats
	state     wifi.State
	rssi      int
	connected bool
}

func (s *source) Stats() wifi.Stats     { return s.stats }
func (s *source) State() wifi.State     { return s.state }
func (s *source) RSSI() int             { return s.rssi }
func (s *source) IsConnected() bool     { return s.connected }
func (s *source) Uptime() time.Duration { return 90 * time.Second }

func TestCollector(t *testing.T) {
	src := &source{
		stats: wifi.Stats{
			ScanCount:         4,
			ConnectCount:      2,
			InvalidRSSICount:  1,
			UnsuccessfulTries: 3,
			LastScan:          time.Unix(1700000000, 0),
		},
		state:     wifi.Connected,
		rssi:      -61,
		connected: true,
	}
	c := NewCollector(src)

	expected := `
# HELP wifimgr_connected 1 when the station is associated.
# TYPE wifimgr_connected gauge
wifimgr_connected 1
# HELP wifimgr_rssi_dbm Signal strength of the association.
# TYPE wifimgr_rssi_dbm gauge
wifimgr_rssi_dbm -61
# HELP wifimgr_scans_total Network scans started.
# TYPE wifimgr_scans_total counter
wifimgr_scans_total 4
# HELP wifimgr_state Current connection state.
# TYPE wifimgr_state gauge
wifimgr_state{state="connected"} 1
wifimgr_state{state="connecting"} 0
wifimgr_state{state="disconnected"} 0
wifimgr_state{state="scanning"} 0
# HELP wifimgr_unsuccessful_tries Consecutive failed association attempts.
# TYPE wifimgr_unsuccessful_tries gauge
wifimgr_unsuccessful_tries 3
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"wifimgr_connected", "wifimgr_rssi_dbm", "wifimgr_scans_total", "wifimgr_state", "wifimgr_unsuccessful_tries"))

	// no last good signal timestamp yet
	assert.Equal(t, 14, testutil.CollectAndCount(c))
}

func TestDisconnectedHasNoRSSI(t *testing.T) {
	c := NewCollector(&source{state: wifi.Scanning})
	assert.Equal(t, 0, testutil.CollectAndCount(c, "wifimgr_rssi_dbm"))
	assert.Equal(t, 0, testutil.CollectAndCount(c, "wifimgr_last_scan_timestamp_seconds"))
}

func TestRegisterServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(&source{state: wifi.Disconnected}))
	r := mux.NewRouter()
	Register(r, "/metrics", reg)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "wifimgr_connected 0")
}
