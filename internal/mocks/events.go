package mocks

import (
	"context"

	"github.com/lalith-99/podsync/internal/events"
	"github.com/lalith-99/podsync/internal/models"
	"github.com/stretchr/testify/mock"
)

type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

type SinkMock struct {
	mock.Mock
}

func (m *SinkMock) Name() string {
	return "mock"
}

func (m *SinkMock) Emit(ctx context.Context, e events.Event) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

type AttachmentStoreMock struct {
	mock.Mock
}

func (m *AttachmentStoreMock) Upload(ctx context.Context, filename string, data []byte) (*models.Attachment, error) {
	args := m.Called(ctx, filename, data)
	if a := args.Get(0); a != nil {
		return a.(*models.Attachment), args.Error(1)
	}
	return nil, args.Error(1)
}
