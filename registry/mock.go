package registry

import (
	"context"

	"github.com/ruteri/module-identity-provisioning/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockRegistry mocks the ModuleRegistry interface
type MockRegistry struct {
	mock.Mock
}

// GetModule mocks the GetModule method
func (m *MockRegistry) GetModule(ctx context.Context, ref interfaces.ModuleRef) (*interfaces.ModuleRecord, error) {
	args := m.Called(ctx, ref)
	record, _ := args.Get(0).(*interfaces.ModuleRecord)
	return record, args.Error(1)
}
