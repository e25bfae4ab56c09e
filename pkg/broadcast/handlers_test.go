package broadcast

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grocermate/fanout/pkg/domain"
	"github.com/grocermate/fanout/pkg/transport/protocol"
)

func handlerContext(connID string) context.Context {
	return protocol.WithConnectionID(context.Background(), connID)
}

func mustMessage(t *testing.T, msgType protocol.MessageType, payload any) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(msgType, payload)
	require.NoError(t, err)
	msg.CorrelationID = "corr-1"
	return msg
}

func TestSubscribeHandler(t *testing.T) {
	registry := newTestRegistry(RegistryOptions{})
	registry.Register(newFakeConn("c1"), domain.ConnMeta{})

	handlers := NewHandlerRegistry(registry, testLogger())
	msg := mustMessage(t, protocol.MessageTypeSubscribe, protocol.SubscribeRequest{Events: []string{"price.drop"}})

	resp, err := handlers.Handle(handlerContext("c1"), msg)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, protocol.MessageTypeSubscribed, resp.Type)
	assert.Equal(t, "corr-1", resp.CorrelationID)
	assert.Equal(t, []string{"c1"}, registry.Subscribers("price.drop"))
}

func TestUnsubscribeHandler(t *testing.T) {
	registry := newTestRegistry(RegistryOptions{})
	registry.Register(newFakeConn("c1"), domain.ConnMeta{})
	require.NoError(t, registry.Subscribe("c1", "price.drop"))

	handlers := NewHandlerRegistry(registry, testLogger())
	msg := mustMessage(t, protocol.MessageTypeUnsubscribe, protocol.SubscribeRequest{Events: []string{"price.drop"}})

	resp, err := handlers.Handle(handlerContext("c1"), msg)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageTypeUnsubscribed, resp.Type)
	assert.Empty(t, registry.Subscribers("price.drop"))
}

func TestAuthenticateHandlerBindsUser(t *testing.T) {
	registry := newTestRegistry(RegistryOptions{})
	registry.Register(newFakeConn("c1"), domain.ConnMeta{})

	handlers := NewHandlerRegistry(registry, testLogger())
	msg := mustMessage(t, protocol.MessageTypeAuthenticate, protocol.AuthenticateRequest{UserID: "alice", Token: "t"})

	resp, err := handlers.Handle(handlerContext("c1"), msg)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageTypeAuthenticated, resp.Type)
	assert.Equal(t, []string{"c1"}, registry.ConnectionsForUser("alice"))
}

func TestAuthenticateHandlerRequiresUserID(t *testing.T) {
	registry := newTestRegistry(RegistryOptions{})
	registry.Register(newFakeConn("c1"), domain.ConnMeta{})

	handlers := NewHandlerRegistry(registry, testLogger())
	msg := mustMessage(t, protocol.MessageTypeAuthenticate, protocol.AuthenticateRequest{Token: "t"})

	_, err := handlers.Handle(handlerContext("c1"), msg)
	assert.Error(t, err)
}

func TestAuthenticateHandlerNotifiesReplacedConnection(t *testing.T) {
	registry := newTestRegistry(RegistryOptions{MaxConnectionsPerUser: 1})
	oldest := newFakeConn("c1")
	registry.Register(oldest, domain.ConnMeta{})
	registry.Register(newFakeConn("c2"), domain.ConnMeta{})

	handlers := NewHandlerRegistry(registry, testLogger())

	msg := mustMessage(t, protocol.MessageTypeAuthenticate, protocol.AuthenticateRequest{UserID: "alice"})
	_, err := handlers.Handle(handlerContext("c1"), msg)
	require.NoError(t, err)

	msg = mustMessage(t, protocol.MessageTypeAuthenticate, protocol.AuthenticateRequest{UserID: "alice"})
	_, err = handlers.Handle(handlerContext("c2"), msg)
	require.NoError(t, err)

	// The replaced connection gets one error frame, then the close.
	require.Equal(t, 1, oldest.sentCount())
	frame, err := protocol.Unmarshal(oldest.sent[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageTypeError, frame.Type)
	assert.True(t, oldest.isClosed())
	assert.Equal(t, domain.CloseReplaced, oldest.closedWith())
}

func TestPingHandler(t *testing.T) {
	registry := newTestRegistry(RegistryOptions{})
	handlers := NewHandlerRegistry(registry, testLogger())

	msg := mustMessage(t, protocol.MessageTypePing, json.RawMessage(`{}`))
	resp, err := handlers.Handle(handlerContext("c1"), msg)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageTypePong, resp.Type)
	assert.Equal(t, "corr-1", resp.CorrelationID)
}

func TestUnknownMessageType(t *testing.T) {
	registry := newTestRegistry(RegistryOptions{})
	handlers := NewHandlerRegistry(registry, testLogger())

	msg := mustMessage(t, protocol.MessageType("bogus"), json.RawMessage(`{}`))
	_, err := handlers.Handle(handlerContext("c1"), msg)
	assert.Error(t, err)
}
