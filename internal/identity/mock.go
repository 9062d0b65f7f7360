package identity

import (
	"github.com/stretchr/testify/mock"

	"github.com/triplore/tripchat/internal/types"
)

type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) Verify(credential string) (types.User, error) {
	args := m.Called(credential)
	return args.Get(0).(types.User), args.Error(1)
}
