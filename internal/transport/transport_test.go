package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"tradepost/internal/purchase"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

var testRoutes = Routes{
	purchase.CommandGrantItems:    "inventory_grant_items",
	purchase.CommandDebitCurrency: "identity_debit_gil",
	purchase.CommandSubtractItems: "inventory_subtract_items",
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ts := time.Unix(0, 1700000000000000000)
	values, err := encode(context.Background(), purchase.EventItemsGrantedFault, "c1",
		purchase.ItemsGrantedFault{CorrelationID: "c1", Reason: "unknown item"}, ts)
	require.NoError(t, err)

	// Redis hands every field back as a string.
	asStrings := make(map[string]any, len(values))
	for k, v := range values {
		asStrings[k] = fmt.Sprint(v)
	}
	env, err := decode(redis.XMessage{ID: "1-0", Values: asStrings})
	require.NoError(t, err)
	require.Equal(t, purchase.EventItemsGrantedFault, env.Type)
	require.Equal(t, "c1", env.CorrelationID)
	require.Equal(t, ts.UnixNano(), env.Timestamp.UnixNano())
	require.Equal(t, "1-0", env.StreamID)

	ev, ok, err := DecodeEvent(env)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, purchase.ItemsGrantedFault{CorrelationID: "c1", Reason: "unknown item"}, ev)
}

func TestDecodeRejectsEntriesWithoutType(t *testing.T) {
	_, err := decode(redis.XMessage{ID: "1-0", Values: map[string]any{"payload": "{}"}})
	require.ErrorIs(t, err, errMissingType)

	_, err = decode(redis.XMessage{ID: "2-0", Values: map[string]any{"type": "x", "payload": "{not json"}})
	require.Error(t, err)
}

func TestRoutesValidate(t *testing.T) {
	require.NoError(t, testRoutes.Validate())
	require.Error(t, Routes{purchase.CommandGrantItems: "a"}.Validate())
}

func TestPublisher_SendRoutesCommand(t *testing.T) {
	ctx := context.Background()
	client := newRedis(t)
	pub := NewPublisher(client, testRoutes, "", 0)

	cmd := purchase.Command{Type: purchase.CommandDebitCurrency, CorrelationID: "c1", UserID: "u1", Amount: 300}
	require.NoError(t, pub.Send(ctx, cmd))

	entries, err := client.XRange(ctx, "identity_debit_gil", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	env, err := decode(entries[0])
	require.NoError(t, err)
	require.Equal(t, "debit-currency", env.Type)
	require.Equal(t, "c1", env.CorrelationID)

	var got purchase.Command
	require.NoError(t, env.Unmarshal(&got))
	require.Equal(t, cmd, got)
}

func TestPublisher_MissingRouteIsBusinessFailure(t *testing.T) {
	routes := Routes{purchase.CommandGrantItems: "inventory_grant_items"}
	pub := NewPublisher(newRedis(t), routes, "", 0)
	routes[purchase.CommandDebitCurrency] = "late_addition"

	err := pub.Send(context.Background(), purchase.Command{Type: purchase.CommandDebitCurrency, CorrelationID: "c1"})
	require.Equal(t, purchase.ClassBusiness, purchase.Classify(err))
	require.Equal(t, purchase.ReasonNoRoute, purchase.FailureReason(err))
}

func TestPublisher_RedisFailureIsTransient(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 50 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	pub := NewPublisher(client, testRoutes, "", 0)

	err := pub.Send(context.Background(), purchase.Command{Type: purchase.CommandGrantItems, CorrelationID: "c1"})
	require.Error(t, err)
	require.Equal(t, purchase.ClassTransient, purchase.Classify(err))
}

type recordingSink struct {
	mu     sync.Mutex
	events []purchase.Event
	fail   map[string]bool
}

func (s *recordingSink) Handle(_ context.Context, ev purchase.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[ev.Correlation()] {
		return errors.New("store unavailable")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) setFail(id string, fail bool) {
	s.mu.Lock()
	s.fail[id] = fail
	s.mu.Unlock()
}

func pending(t *testing.T, client *redis.Client, stream, group string) int64 {
	t.Helper()
	p, err := client.XPending(context.Background(), stream, group).Result()
	require.NoError(t, err)
	return p.Count
}

func TestConsumer_AcksOnlyHandledEntries(t *testing.T) {
	ctx := context.Background()
	client := newRedis(t)
	pub := NewPublisher(client, testRoutes, "purchase_events", 0)
	sink := &recordingSink{fail: map[string]bool{"c2": true}}

	consumer := NewConsumer(client, ConsumerConfig{
		Streams:      []string{"purchase_events"},
		Group:        "trading",
		Consumer:     "worker-1",
		BlockTimeout: -1,
	}, EventHandler(sink, nil), nil)
	require.NoError(t, consumer.EnsureGroups(ctx))
	require.NoError(t, consumer.EnsureGroups(ctx))

	require.NoError(t, pub.PublishRequest(ctx, purchase.PurchaseRequested{CorrelationID: "c1", UserID: "u1", ItemID: "item42", Quantity: 3}))
	require.NoError(t, pub.PublishEvent(ctx, "purchase_events", purchase.ItemsGrantedSuccess{CorrelationID: "c2"}))

	acked, err := consumer.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, acked)
	require.Equal(t, int64(1), pending(t, client, "purchase_events", "trading"))
	require.Len(t, sink.events, 1)
	require.Equal(t, purchase.PurchaseRequested{CorrelationID: "c1", UserID: "u1", ItemID: "item42", Quantity: 3}, sink.events[0])

	acked, err = consumer.Poll(ctx)
	require.NoError(t, err)
	require.Zero(t, acked)

	sink.setFail("c2", false)
	other := NewConsumer(client, ConsumerConfig{
		Streams:      []string{"purchase_events"},
		Group:        "trading",
		Consumer:     "worker-2",
		BlockTimeout: -1,
	}, EventHandler(sink, nil), nil)
	acked, err = other.Reclaim(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, acked)
	require.Zero(t, pending(t, client, "purchase_events", "trading"))
	require.Len(t, sink.events, 2)
}

func TestConsumer_KeepsPerCorrelationOrder(t *testing.T) {
	ctx := context.Background()
	client := newRedis(t)
	pub := NewPublisher(client, testRoutes, "purchase_events", 0)
	sink := &recordingSink{fail: map[string]bool{}}

	consumer := NewConsumer(client, ConsumerConfig{
		Streams:      []string{"purchase_events"},
		BlockTimeout: -1,
		Partitions:   4,
	}, EventHandler(sink, nil), nil)
	require.NoError(t, consumer.EnsureGroups(ctx))

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("c%d", i)
		require.NoError(t, pub.PublishRequest(ctx, purchase.PurchaseRequested{CorrelationID: id, UserID: "u1", ItemID: "item42", Quantity: 1}))
		require.NoError(t, pub.PublishEvent(ctx, "purchase_events", purchase.ItemsGrantedSuccess{CorrelationID: id}))
		require.NoError(t, pub.PublishEvent(ctx, "purchase_events", purchase.CurrencyDebitedSuccess{CorrelationID: id, NewBalance: 1}))
	}

	acked, err := consumer.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 15, acked)

	seen := map[string][]string{}
	for _, ev := range sink.events {
		seen[ev.Correlation()] = append(seen[ev.Correlation()], ev.Name())
	}
	for id, names := range seen {
		require.Equal(t, []string{
			purchase.EventPurchaseRequested,
			purchase.EventItemsGrantedSuccess,
			purchase.EventCurrencyDebitedSuccess,
		}, names, "order for %s", id)
	}
}

func TestConsumer_DropsPoisonEntries(t *testing.T) {
	ctx := context.Background()
	client := newRedis(t)
	sink := &recordingSink{fail: map[string]bool{}}
	consumer := NewConsumer(client, ConsumerConfig{Streams: []string{"purchase_events"}, BlockTimeout: -1}, EventHandler(sink, nil), nil)
	require.NoError(t, consumer.EnsureGroups(ctx))

	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: "purchase_events", Values: map[string]any{"payload": "{}"}}).Err())
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: "purchase_events", Values: map[string]any{
		"type": purchase.EventItemsGrantedSuccess, "payload": "[1,2]",
	}}).Err())
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: "purchase_events", Values: map[string]any{
		"type": "something-else", "payload": "{}",
	}}).Err())

	acked, err := consumer.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, acked)
	require.Empty(t, sink.events)
	require.Zero(t, pending(t, client, "purchase_events", consumer.cfg.Group))
}

func TestConsumer_RunStopsOnCancel(t *testing.T) {
	client := newRedis(t)
	consumer := NewConsumer(client, ConsumerConfig{Streams: []string{"purchase_events"}, BlockTimeout: 10 * time.Millisecond}, func(context.Context, Envelope) error { return nil }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestCatalogHandler(t *testing.T) {
	ctx := context.Background()
	client := newRedis(t)
	catalog := purchase.NewMemoryCatalog()
	handler := Mux(nil, map[string]Handler{
		CatalogItemUpdatedType: CatalogHandler(catalog, nil),
		CatalogItemDeletedType: CatalogHandler(catalog, nil),
	})

	for _, msg := range []struct {
		typ     string
		payload any
	}{
		{CatalogItemUpdatedType, CatalogItemUpdated{ItemID: "item42", Name: "Potion", Price: 5}},
		{CatalogItemUpdatedType, CatalogItemUpdated{ItemID: "item7", Name: "Elixir", Price: 150}},
		{CatalogItemDeletedType, CatalogItemDeleted{ItemID: "item7"}},
	} {
		values, err := encode(ctx, msg.typ, "", msg.payload, time.Now())
		require.NoError(t, err)
		require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: "catalog_items", Values: values}).Err())
	}

	consumer := NewConsumer(client, ConsumerConfig{Streams: []string{"catalog_items"}, BlockTimeout: -1}, handler, nil)
	require.NoError(t, consumer.EnsureGroups(ctx))
	acked, err := consumer.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, acked)

	price, err := catalog.UnitPrice(ctx, "item42")
	require.NoError(t, err)
	require.Equal(t, 5.0, price)
	_, err = catalog.UnitPrice(ctx, "item7")
	require.ErrorIs(t, err, purchase.ErrUnknownItem)
}
