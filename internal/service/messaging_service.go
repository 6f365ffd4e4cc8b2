package service

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fluxgrid/fluxgrid/internal/connection"
	griderr "github.com/fluxgrid/fluxgrid/internal/errors"
	"github.com/fluxgrid/fluxgrid/internal/hlc"
	"github.com/fluxgrid/fluxgrid/internal/operation"
	"github.com/fluxgrid/fluxgrid/internal/protocol"
)

// MessagingService implements topic pub/sub. Subscriptions live on the
// connection metadata, so fan-out is a filtered broadcast over the
// registry and a dropped connection cleans itself up.
type MessagingService struct {
	registry *connection.Registry
	clock    hlc.Clock
	logger   *zap.Logger

	ready atomic.Bool
}

// NewMessagingService wires topic pub/sub over the connection registry.
func NewMessagingService(registry *connection.Registry, clock hlc.Clock,
	logger *zap.Logger) *MessagingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = hlc.SystemClock{}
	}
	return &MessagingService{registry: registry, clock: clock, logger: logger}
}

// Name implements ManagedService.
func (s *MessagingService) Name() string { return operation.ServiceMessaging }

// ServiceName implements operation.Handler.
func (s *MessagingService) ServiceName() string { return operation.ServiceMessaging }

// Ready implements operation.Handler.
func (s *MessagingService) Ready() bool { return s.ready.Load() }

// Init implements ManagedService.
func (s *MessagingService) Init(context.Context) error {
	s.ready.Store(true)
	return nil
}

// Reset implements ManagedService. Topic state lives on the connections,
// so there is nothing to clear here.
func (s *MessagingService) Reset(context.Context) error { return nil }

// Shutdown implements ManagedService.
func (s *MessagingService) Shutdown(context.Context, bool) error {
	s.ready.Store(false)
	return nil
}

// Handle implements operation.Handler for TOPIC_SUB, TOPIC_UNSUB and
// TOPIC_PUB. None of them carry a reply; publishes fan out through the
// registry.
func (s *MessagingService) Handle(_ context.Context, op *operation.Context) (protocol.Message, error) {
	switch m := op.Message.(type) {
	case *protocol.TopicSub:
		if conn, ok := s.registry.Get(op.ConnectionID); ok {
			conn.Meta.Subscribe(m.Topic)
		}
		return nil, nil
	case *protocol.TopicUnsub:
		if conn, ok := s.registry.Get(op.ConnectionID); ok {
			conn.Meta.Unsubscribe(m.Topic)
		}
		return nil, nil
	case *protocol.TopicPub:
		s.publish(op.ConnectionID, m)
		return nil, nil
	default:
		return nil, griderr.New(griderr.CodeInvalidArgument,
			"messaging service cannot handle %s", op.Message.MessageType())
	}
}

func (s *MessagingService) publish(connID string, m *protocol.TopicPub) {
	senderID := ""
	if conn, ok := s.registry.Get(connID); ok {
		if clientID, authed := conn.Meta.Authenticated(); authed {
			senderID = clientID
		}
	}
	msg := &protocol.TopicMessage{
		Type:        protocol.TypeTopicMessage,
		Topic:       m.Topic,
		Payload:     m.Payload,
		SenderID:    senderID,
		TimestampMs: s.clock.NowMillis(),
	}
	delivered := s.registry.BroadcastTopic(m.Topic, msg)
	s.logger.Debug("topic published",
		zap.String("topic", m.Topic), zap.Int("delivered", delivered))
}
