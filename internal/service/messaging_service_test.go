package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxgrid/fluxgrid/internal/connection"
	"github.com/fluxgrid/fluxgrid/internal/hlc"
	"github.com/fluxgrid/fluxgrid/internal/protocol"
)

func newMessagingFixture(t *testing.T) (*MessagingService, *connection.Registry) {
	t.Helper()
	registry := connection.NewRegistry(8, nil)
	svc := NewMessagingService(registry, hlc.NewManualClock(5_000), nil)
	require.NoError(t, svc.Init(context.Background()))
	return svc, registry
}

func TestMessagingServicePubSub(t *testing.T) {
	svc, registry := newMessagingFixture(t)
	subscriber := registry.Register()
	bystander := registry.Register()
	publisher := registry.Register()
	publisher.Meta.Authenticate("client-7")

	reply, err := svc.Handle(context.Background(), connOp(subscriber.ID, &protocol.TopicSub{Topic: "alerts"}))
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.True(t, subscriber.Meta.SubscribedTo("alerts"))

	_, err = svc.Handle(context.Background(), connOp(publisher.ID, &protocol.TopicPub{
		Topic: "alerts", Payload: map[string]any{"severity": "high"},
	}))
	require.NoError(t, err)

	msg := receiveOne(t, subscriber).(*protocol.TopicMessage)
	assert.Equal(t, "alerts", msg.Topic)
	assert.Equal(t, map[string]any{"severity": "high"}, msg.Payload)
	assert.Equal(t, "client-7", msg.SenderID)
	assert.Equal(t, uint64(5_000), msg.TimestampMs)

	assertNoMessage(t, bystander)
	assertNoMessage(t, publisher)
}

func TestMessagingServiceUnsubscribeStopsDelivery(t *testing.T) {
	svc, registry := newMessagingFixture(t)
	subscriber := registry.Register()

	_, err := svc.Handle(context.Background(), connOp(subscriber.ID, &protocol.TopicSub{Topic: "alerts"}))
	require.NoError(t, err)
	_, err = svc.Handle(context.Background(), connOp(subscriber.ID, &protocol.TopicUnsub{Topic: "alerts"}))
	require.NoError(t, err)
	assert.False(t, subscriber.Meta.SubscribedTo("alerts"))

	_, err = svc.Handle(context.Background(), connOp(subscriber.ID, &protocol.TopicPub{
		Topic: "alerts", Payload: "ping",
	}))
	require.NoError(t, err)
	assertNoMessage(t, subscriber)
}

func TestMessagingServiceAnonymousPublisher(t *testing.T) {
	svc, registry := newMessagingFixture(t)
	subscriber := registry.Register()
	publisher := registry.Register()

	_, err := svc.Handle(context.Background(), connOp(subscriber.ID, &protocol.TopicSub{Topic: "t"}))
	require.NoError(t, err)
	_, err = svc.Handle(context.Background(), connOp(publisher.ID, &protocol.TopicPub{Topic: "t", Payload: "x"}))
	require.NoError(t, err)

	msg := receiveOne(t, subscriber).(*protocol.TopicMessage)
	assert.Empty(t, msg.SenderID)
}

func TestMessagingServiceRejectsForeignMessages(t *testing.T) {
	svc, _ := newMessagingFixture(t)
	_, err := svc.Handle(context.Background(), connOp("", &protocol.Ping{}))
	require.Error(t, err)
}
