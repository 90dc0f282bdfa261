package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockService struct {
	status error
}

func (m *mockService) Start() {}

func (m *mockService) Stop() error { return nil }

func (m *mockService) Status() error { return m.status }

type secondMockService struct {
	status error
}

func (m *secondMockService) Start() {}

func (m *secondMockService) Stop() error { return nil }

func (m *secondMockService) Status() error { return m.status }

func TestRegisterService_Twice(t *testing.T) {
	registry := NewServiceRegistry()

	m := &mockService{}
	require.NoError(t, registry.RegisterService(m))
	assert.Error(t, registry.RegisterService(m), "registering the same type twice should fail")
}

func TestRegisterService_Different(t *testing.T) {
	registry := NewServiceRegistry()

	m := &mockService{}
	s := &secondMockService{}
	require.NoError(t, registry.RegisterService(m))
	require.NoError(t, registry.RegisterService(s))

	var m2 *mockService
	require.NoError(t, registry.FetchService(&m2))
	assert.Equal(t, m, m2)

	var s2 *secondMockService
	require.NoError(t, registry.FetchService(&s2))
	assert.Equal(t, s, s2)
}

func TestFetchService_NonPointer(t *testing.T) {
	registry := NewServiceRegistry()
	require.NoError(t, registry.RegisterService(&mockService{}))

	var m mockService
	assert.Error(t, registry.FetchService(m))
}
