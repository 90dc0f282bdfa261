package prometheus

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/awrlabs/relay/runtime"
	"github.com/pkg/errors"
	logTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type healthyService struct{}

func (h *healthyService) Start()        {}
func (h *healthyService) Stop() error   { return nil }
func (h *healthyService) Status() error { return nil }

type unhealthyService struct{}

func (u *unhealthyService) Start()        {}
func (u *unhealthyService) Stop() error   { return nil }
func (u *unhealthyService) Status() error { return errors.New("listener died") }

func TestLifecycle(t *testing.T) {
	hook := logTest.NewGlobal()
	registry := runtime.NewServiceRegistry()
	svc := NewService(":0", registry)

	svc.Start()
	requireLogsContain(t, hook, "Starting service")

	require.NoError(t, svc.Stop())
	requireLogsContain(t, hook, "Stopping service")
}

func TestHealthz_AllHealthy(t *testing.T) {
	registry := runtime.NewServiceRegistry()
	require.NoError(t, registry.RegisterService(&healthyService{}))
	svc := NewService(":0", registry)

	rec := httptest.NewRecorder()
	svc.healthzHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "OK")
}

func TestHealthz_ReportsFailingService(t *testing.T) {
	registry := runtime.NewServiceRegistry()
	require.NoError(t, registry.RegisterService(&healthyService{}))
	require.NoError(t, registry.RegisterService(&unhealthyService{}))
	svc := NewService(":0", registry)

	rec := httptest.NewRecorder()
	svc.healthzHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "ERROR listener died")
}

func requireLogsContain(t *testing.T, hook *logTest.Hook, want string) {
	t.Helper()
	for _, entry := range hook.AllEntries() {
		if entry.Message == want {
			return
		}
	}
	t.Fatalf("log entry %q not found", want)
}
