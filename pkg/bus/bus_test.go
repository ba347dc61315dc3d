package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()

	ch, cancel := b.Subscribe(TopicSignals)
	defer cancel()

	b.Publish(TopicSignals, "hello")

	select {
	case msg := <-ch:
		if msg.Topic != TopicSignals || msg.Payload.(string) != "hello" {
			t.Errorf("got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	b := New()

	prices, cancelP := b.Subscribe(GamePriceTopic("g1"))
	defer cancelP()
	other, cancelO := b.Subscribe(GamePriceTopic("g2"))
	defer cancelO()

	b.Publish(GamePriceTopic("g1"), 1)

	select {
	case <-prices:
	case <-time.After(time.Second):
		t.Fatal("g1 subscriber missed its message")
	}
	select {
	case msg := <-other:
		t.Fatalf("g2 subscriber got g1 traffic: %+v", msg)
	default:
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := New()

	ch, cancel := b.Subscribe(TopicSystemAlerts)
	cancel()
	cancel() // idempotent

	if _, open := <-ch; open {
		t.Error("channel still open after cancel")
	}
	if n := b.SubscriberCount(TopicSystemAlerts); n != 0 {
		t.Errorf("subscriber count = %d after cancel", n)
	}

	// Publishing to a topic with no subscribers must not panic.
	b.Publish(TopicSystemAlerts, "orphan")
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := New(WithBuffer(2))

	ch, cancel := b.Subscribe(TopicPriceFastPath)
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Publish(TopicPriceFastPath, i)
	}

	// Buffer holds the newest two; the first three were evicted.
	got := []int{(<-ch).Payload.(int), (<-ch).Payload.(int)}
	if got[0] != 3 || got[1] != 4 {
		t.Errorf("buffered = %v, want [3 4]", got)
	}
	if b.Dropped() == 0 {
		t.Error("drop counter not incremented")
	}
}

func TestTopicNames(t *testing.T) {
	if got := ShardCommandTopic("shard-1"); got != "shard:shard-1:command" {
		t.Errorf("command topic = %s", got)
	}
	if got := ShardHeartbeatTopic("shard-1"); got != "shard:shard-1:heartbeat" {
		t.Errorf("heartbeat topic = %s", got)
	}
	if got := GameStateTopic("401547"); got != "game:401547:state" {
		t.Errorf("state topic = %s", got)
	}
}
