package plugin

import (
	"context"
	"testing"
	"time"
)

type fakeFilter struct {
	authResult  bool
	topicResult bool
	delay       time.Duration
}

func (f fakeFilter) Authenticate(ctx context.Context, clientID, username string, password []byte) bool {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.authResult
}

func (f fakeFilter) TopicFilter(ctx context.Context, clientID, topic string, action Action) bool {
	return f.topicResult
}

func TestAuthenticateAllowsAnonymousWithNoPlugins(t *testing.T) {
	b := NewBus(Config{AuthPluginsPresent: false}, nil, nil, nil)
	if !b.Authenticate(context.Background(), "c1", "", nil) {
		t.Fatal("no auth plugins configured must default to allow")
	}
}

func TestAuthenticateDeniesWithNoPluginsButConfigured(t *testing.T) {
	b := NewBus(Config{AuthPluginsPresent: true}, nil, nil, nil)
	if b.Authenticate(context.Background(), "c1", "", nil) {
		t.Fatal("auth configured with zero surviving plugins must deny")
	}
}

func TestAuthenticateIsLogicalAnd(t *testing.T) {
	b := NewBus(Config{AuthPluginsPresent: true}, nil,
		[]Filter{fakeFilter{authResult: true}, fakeFilter{authResult: false}}, nil)
	if b.Authenticate(context.Background(), "c1", "u", nil) {
		t.Fatal("one denying filter must deny the whole vote")
	}
}

func TestAuthenticateTimeoutCountsAsDeny(t *testing.T) {
	b := NewBus(Config{AuthPluginsPresent: true, FilterTimeout: 10 * time.Millisecond}, nil,
		[]Filter{fakeFilter{authResult: true, delay: 100 * time.Millisecond}}, nil)
	if b.Authenticate(context.Background(), "c1", "u", nil) {
		t.Fatal("a filter exceeding its timeout must be treated as deny")
	}
}

func TestTopicFilterDisabledAllowsEverything(t *testing.T) {
	b := NewBus(Config{TopicCheckEnabled: false}, nil, nil, []Filter{fakeFilter{topicResult: false}})
	if !b.TopicFilter(context.Background(), "c1", "a/b", ActionPublish) {
		t.Fatal("topic-check disabled must allow regardless of registered filters")
	}
}

func TestTopicFilterEnabledIsLogicalAnd(t *testing.T) {
	b := NewBus(Config{TopicCheckEnabled: true}, nil, nil,
		[]Filter{fakeFilter{topicResult: true}, fakeFilter{topicResult: true}})
	if !b.TopicFilter(context.Background(), "c1", "a/b", ActionPublish) {
		t.Fatal("all-allow filters must allow")
	}
}
