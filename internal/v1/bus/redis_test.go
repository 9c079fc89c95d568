package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)

	return svc, mr
}

func TestNewService(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	assert.NotNil(t, svc.Client())
	assert.NoError(t, svc.Ping(context.Background()))
}

func TestNewService_BadAddr(t *testing.T) {
	_, err := NewService("127.0.0.1:1", "")
	assert.Error(t, err)
}

func TestPublish_RoomChannel(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	roomID := "ABC12345"

	sub := svc.Client().Subscribe(ctx, "chess:room:"+roomID)
	defer func() { _ = sub.Close() }()
	time.Sleep(50 * time.Millisecond)

	payload := map[string]string{"fen": "start"}
	err := svc.Publish(ctx, roomID, "game:state", payload, "pod-1")
	assert.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var envelope PubSubPayload
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &envelope))

	assert.Equal(t, roomID, envelope.RoomID)
	assert.Equal(t, "game:state", envelope.Event)
	assert.Equal(t, "pod-1", envelope.SenderID)
}

func TestPublishDirect_UserChannel(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	sub := svc.Client().Subscribe(ctx, "chess:user:u3")
	defer func() { _ = sub.Close() }()
	time.Sleep(50 * time.Millisecond)

	err := svc.PublishDirect(ctx, "u3", "invite:received", map[string]string{"roomId": "ABC12345"}, "pod-1")
	assert.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var envelope PubSubPayload
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &envelope))

	assert.Equal(t, "invite:received", envelope.Event)
	assert.Empty(t, envelope.RoomID)
}

func TestSubscribePresence_ReceivesSnapshot(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []PubSubPayload

	svc.SubscribePresence(ctx, func(p PubSubPayload) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})
	time.Sleep(50 * time.Millisecond)

	online := []map[string]string{{"userId": "u1", "username": "alice"}}
	require.NoError(t, svc.PublishPresence(ctx, online, "pod-1"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "presence:online", got[0].Event)
	assert.Equal(t, "pod-1", got[0].SenderID)
}

func TestNilService_IsNoOp(t *testing.T) {
	var svc *Service

	ctx := context.Background()
	assert.NoError(t, svc.Publish(ctx, "R", "e", nil, ""))
	assert.NoError(t, svc.PublishDirect(ctx, "u", "e", nil, ""))
	assert.NoError(t, svc.PublishPresence(ctx, nil, ""))
	assert.NoError(t, svc.Ping(ctx))
	assert.NoError(t, svc.Close())
	assert.Nil(t, svc.Client())

	// Subscribing on a nil service must not spawn anything or panic.
	svc.SubscribeUser(ctx, "u", func(PubSubPayload) {})
	svc.SubscribePresence(ctx, func(PubSubPayload) {})
}
