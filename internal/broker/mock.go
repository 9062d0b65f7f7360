package broker

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/triplore/tripchat/internal/types"
)

type MockBus struct {
	mock.Mock
}

func (m *MockBus) Publish(ctx context.Context, msg types.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockBus) Subscribe(handler func(types.Message)) error {
	args := m.Called(handler)
	return args.Error(0)
}

func (m *MockBus) Close() error {
	args := m.Called()
	return args.Error(0)
}
