package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

type fakeSub struct {
	id       string
	received []*domain.Message
	matchFn  func(map[string]string, []byte) bool
	failNext bool
}

func (f *fakeSub) ID() string { return f.id }
func (f *fakeSub) Matches(headers map[string]string, payload []byte) bool {
	if f.matchFn != nil {
		return f.matchFn(headers, payload)
	}
	return true
}
func (f *fakeSub) Send(ctx context.Context, msg *domain.Message) error {
	if f.failNext {
		f.failNext = false
		return assert.AnError
	}
	f.received = append(f.received, msg)
	return nil
}

func TestBus_PublishFanOutDeliversToAllSubscribers(t *testing.T) {
	b := New(NewMemoryStore(), nil)
	b.RegisterTopic("deployments.events", domain.TopicPubSub, domain.RouteFanOut)

	s1, s2 := &fakeSub{id: "s1"}, &fakeSub{id: "s2"}
	require.NoError(t, b.Subscribe("deployments.events", s1))
	require.NoError(t, b.Subscribe("deployments.events", s2))

	_, err := b.Publish(context.Background(), "deployments.events", []byte(`{}`), 5, nil)
	require.NoError(t, err)

	assert.Len(t, s1.received, 1)
	assert.Len(t, s2.received, 1)
}

func TestBus_PublishDirectDeliversToFirstOnly(t *testing.T) {
	b := New(NewMemoryStore(), nil)
	b.RegisterTopic("jobs.commands", domain.TopicQueue, domain.RouteDirect)

	s1, s2 := &fakeSub{id: "s1"}, &fakeSub{id: "s2"}
	require.NoError(t, b.Subscribe("jobs.commands", s1))
	require.NoError(t, b.Subscribe("jobs.commands", s2))

	_, err := b.Publish(context.Background(), "jobs.commands", []byte(`{}`), 0, nil)
	require.NoError(t, err)

	assert.Len(t, s1.received, 1)
	assert.Len(t, s2.received, 0)
}

func TestBus_PublishUnregisteredTopicFails(t *testing.T) {
	b := New(NewMemoryStore(), nil)
	_, err := b.Publish(context.Background(), "missing", nil, 0, nil)
	assert.ErrorIs(t, err, ErrTopicNotFound)
}

func TestBus_PublishContentBasedMatchesOnlyFilteredSubscribers(t *testing.T) {
	b := New(NewMemoryStore(), nil)
	b.RegisterTopic("alerts", domain.TopicPubSub, domain.RouteContentBased)

	wantsProd := &fakeSub{id: "prod", matchFn: func(h map[string]string, _ []byte) bool { return h["env"] == "production" }}
	wantsAll := &fakeSub{id: "all", matchFn: func(map[string]string, []byte) bool { return true }}
	require.NoError(t, b.Subscribe("alerts", wantsProd))
	require.NoError(t, b.Subscribe("alerts", wantsAll))

	_, err := b.Publish(context.Background(), "alerts", nil, 0, map[string]string{"env": "staging"})
	require.NoError(t, err)

	assert.Len(t, wantsProd.received, 0)
	assert.Len(t, wantsAll.received, 1)
}

func TestBus_NoActiveSubscriberLeavesMessageClaimable(t *testing.T) {
	b := New(NewMemoryStore(), nil)
	b.RegisterTopic("jobs.commands", domain.TopicQueue, domain.RouteLoadBalanced)

	msg, err := b.Publish(context.Background(), "jobs.commands", []byte(`{}`), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.MessagePending, msg.Status)

	claimed, err := b.Claim(context.Background(), "jobs.commands", "worker-1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, msg.MessageID, claimed[0].MessageID)
}

func TestBus_NackDeadLettersAfterMaxRetries(t *testing.T) {
	store := NewMemoryStore()
	b := New(store, nil)
	b.RegisterTopic("jobs.commands", domain.TopicQueue, domain.RouteLoadBalanced)

	msg, err := b.Publish(context.Background(), "jobs.commands", nil, 0, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := b.Claim(context.Background(), "jobs.commands", "worker-1", 1, time.Minute)
		require.NoError(t, err)
		require.NoError(t, b.Nack(context.Background(), msg.MessageID, "worker-1", "boom", 3))
	}

	assert.Equal(t, domain.MessageDeadLetter, store.messages[msg.MessageID].Status)
}

func TestSchemaRegistry_AllowsRemovedRequiredFieldUnderBackward(t *testing.T) {
	r := NewSchemaRegistry()
	v1 := Schema{"name": {Type: "string", Required: true}}
	_, err := r.Register("deployments", v1, CompatBackward)
	require.NoError(t, err)

	v2 := Schema{}
	_, err = r.Register("deployments", v2, CompatBackward)
	require.NoError(t, err, "removing a required field does not break backward compatibility by itself")
}

func TestSchemaRegistry_RejectsAddedRequiredFieldUnderBackward(t *testing.T) {
	r := NewSchemaRegistry()
	v1 := Schema{"name": {Type: "string", Required: true}}
	_, err := r.Register("deployments", v1, CompatBackward)
	require.NoError(t, err)

	v2 := Schema{"name": {Type: "string", Required: true}, "owner": {Type: "string", Required: true}}
	_, err = r.Register("deployments", v2, CompatBackward)
	assert.ErrorIs(t, err, ErrIncompatibleSchema)
}

func TestSchemaRegistry_RejectsTypeChange(t *testing.T) {
	r := NewSchemaRegistry()
	v1 := Schema{"count": {Type: "integer"}}
	_, err := r.Register("jobs", v1, CompatFull)
	require.NoError(t, err)

	v2 := Schema{"count": {Type: "string"}}
	_, err = r.Register("jobs", v2, CompatFull)
	assert.ErrorIs(t, err, ErrIncompatibleSchema)
}

func TestSchemaRegistry_NoneModeAllowsAnything(t *testing.T) {
	r := NewSchemaRegistry()
	v1 := Schema{"count": {Type: "integer"}}
	_, err := r.Register("jobs", v1, CompatNone)
	require.NoError(t, err)

	v2 := Schema{"count": {Type: "string"}}
	version, err := r.Register("jobs", v2, CompatNone)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestSchemaRegistry_RejectsNarrowedMaxLengthUnderBackward(t *testing.T) {
	r := NewSchemaRegistry()
	ten, five := 10, 5
	v1 := Schema{"name": {Type: "string", MaxLen: &ten}}
	_, err := r.Register("topic", v1, CompatBackward)
	require.NoError(t, err)

	v2 := Schema{"name": {Type: "string", MaxLen: &five}}
	_, err = r.Register("topic", v2, CompatBackward)
	assert.ErrorIs(t, err, ErrIncompatibleSchema)
}
