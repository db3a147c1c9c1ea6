package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_SubscribePublish(t *testing.T) {
	b := New()

	var got []string
	sub := b.Subscribe("order.filled", func(evt Event) {
		got = append(got, evt.Type)
	})

	b.Publish("order.filled", "payload-1")
	b.Publish("order.canceled", "payload-2") // no subscriber
	b.Publish("order.filled", "payload-3")

	assert.Equal(t, []string{"order.filled", "order.filled"}, got)

	sub.Unsubscribe()
	b.Publish("order.filled", "payload-4")
	assert.Len(t, got, 2)
}

func TestBus_SubscribeAll(t *testing.T) {
	b := New()

	count := 0
	b.SubscribeAll(func(evt Event) { count++ })

	b.Publish("a", nil)
	b.Publish("b", nil)
	assert.Equal(t, 2, count)
}

func TestBus_PanickingSubscriberIsIsolated(t *testing.T) {
	b := New()

	b.Subscribe("x", func(evt Event) { panic("boom") })
	delivered := false
	b.Subscribe("x", func(evt Event) { delivered = true })

	assert.NotPanics(t, func() { b.Publish("x", nil) })
	assert.True(t, delivered)
}

func TestBus_DeliveryOrderIsCausal(t *testing.T) {
	b := New()

	var seen []string
	b.SubscribeAll(func(evt Event) { seen = append(seen, evt.Type) })

	b.Publish("order.submitted", nil)
	b.Publish("order.partially_filled", nil)
	b.Publish("order.filled", nil)

	assert.Equal(t, []string{"order.submitted", "order.partially_filled", "order.filled"}, seen)
}
