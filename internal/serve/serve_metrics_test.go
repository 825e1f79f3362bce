package serve

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tensorgrid/tensorgrid-backend/internal/monitor"
	"github.com/tensorgrid/tensorgrid-backend/pkg/httpserver"
)

type mockMetricsHTTPServer struct {
	mock.Mock
}

func (m *mockMetricsHTTPServer) Run(conf httpserver.Config) {
	m.Called(conf)
}

func Test_MetricsServe(t *testing.T) {
	mMonitorService := &monitor.MockMonitorService{}
	mMonitorService.On("GetMetricHttpHandler").Return(http.NotFoundHandler(), nil)

	opts := MetricsServeOptions{
		Port:           8002,
		MetricType:     monitor.MetricTypePrometheus,
		MonitorService: mMonitorService,
	}

	mHTTPServer := &mockMetricsHTTPServer{}
	mHTTPServer.On("Run", mock.AnythingOfType("httpserver.Config")).Run(func(args mock.Arguments) {
		conf, ok := args.Get(0).(httpserver.Config)
		require.True(t, ok)
		assert.Equal(t, ":8002", conf.ListenAddr)
		assert.NotNil(t, conf.Handler)
	}).Once()

	err := MetricsServe(opts, mHTTPServer)
	require.NoError(t, err)
	mHTTPServer.AssertExpectations(t)
	mMonitorService.AssertExpectations(t)
}

func Test_handleMetricsHttp(t *testing.T) {
	mMonitorService := &monitor.MockMonitorService{}
	mMonitorService.On("GetMetricHttpHandler").Return(promLikeHandler(), nil)

	mux := handleMetricsHttp(MetricsServeOptions{
		MetricType:     monitor.MetricTypePrometheus,
		MonitorService: mMonitorService,
	})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	mMonitorService.AssertExpectations(t)
}

func promLikeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}
