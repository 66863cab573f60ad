package billing

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/creditgate/internal/pkg/entitlements"
)

func newTestProcessor(t *testing.T) (*Processor, *entitlements.MemoryStore) {
	t.Helper()
	store := entitlements.NewMemoryStore()
	return NewProcessor(store, 20), store
}

func subscriptionCheckout(id, user, sub string) *Event {
	return &Event{ID: id, Type: EventCheckoutCompleted, Checkout: CheckoutSubscription, Source: SourceWebhook, UserID: user, SubscriptionID: sub}
}

func TestProcessorCheckoutCancelScenario(t *testing.T) {
	ctx := context.Background()
	p, store := newTestProcessor(t)
	ledger := NewLedger(store, 20)

	res, err := p.Process(ctx, subscriptionCheckout("e1", "user-1", "sub_1"))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.True(t, res.Record.SubscriptionActive)
	assert.Equal(t, "sub_1", res.Record.ProviderSubscriptionID)
	require.NotNil(t, res.Record.ActiveSince)
	firstSince := *res.Record.ActiveSince
	version := res.Record.Version

	// redelivery changes nothing
	p.now = func() time.Time { return time.Now().Add(time.Hour) }
	res, err = p.Process(ctx, subscriptionCheckout("e1", "user-1", "sub_1"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.False(t, res.Applied)
	assert.True(t, res.Record.ActiveSince.Equal(firstSince))
	assert.Equal(t, version, res.Record.Version)

	_, err = ledger.Grant(ctx, "user-1", 2)
	require.NoError(t, err)
	consumed, err := ledger.Consume(ctx, "user-1", 1)
	require.NoError(t, err)
	assert.True(t, consumed.Unlimited)
	assert.Equal(t, int64(2), consumed.Remaining)

	res, err = p.Process(ctx, &Event{ID: "e2", Type: EventSubscriptionCanceled, UserID: "user-1", SubscriptionID: "sub_1"})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.False(t, res.Record.SubscriptionActive)
	assert.NotNil(t, res.Record.CanceledAt)
	assert.Empty(t, res.Record.ProviderSubscriptionID)
	assert.Equal(t, entitlements.StateCanceled, entitlements.StateOf(res.Record))

	consumed, err = ledger.Consume(ctx, "user-1", 1)
	require.NoError(t, err)
	assert.True(t, consumed.Consumed)
	assert.Equal(t, int64(1), consumed.Remaining)
}

func TestProcessorConcurrentDuplicatesApplyOnce(t *testing.T) {
	ctx := context.Background()
	p, store := newTestProcessor(t)
	ev := &Event{ID: "evt_credit", Type: EventCheckoutCompleted, Checkout: CheckoutCredits, Credits: 10, UserID: "user-1"}

	var applied int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Process(ctx, ev)
			if assert.NoError(t, err) && res.Applied {
				atomic.AddInt32(&applied, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied)
	rec, err := store.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), rec.FileCredits)
	assert.Equal(t, []string{"evt_credit"}, []string(rec.ProcessedEventIDs))
}

func TestProcessorCancelRequiresMatchingSubscription(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProcessor(t)

	_, err := p.Process(ctx, subscriptionCheckout("e1", "user-1", "sub_1"))
	require.NoError(t, err)

	res, err := p.Process(ctx, &Event{ID: "e2", Type: EventSubscriptionCanceled, UserID: "user-1", SubscriptionID: "sub_other"})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.True(t, res.Record.SubscriptionActive)
	assert.Nil(t, res.Record.CanceledAt)
	assert.True(t, res.Record.HasProcessed("e2"))
}

func TestProcessorOutOfOrderCancelThenCheckout(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProcessor(t)

	_, err := p.Process(ctx, &Event{ID: "c1", Type: EventSubscriptionCanceled, UserID: "user-1", SubscriptionID: "sub_1"})
	require.NoError(t, err)
	res, err := p.Process(ctx, subscriptionCheckout("a1", "user-1", "sub_1"))
	require.NoError(t, err)
	assert.True(t, res.Record.SubscriptionActive)
	assert.Nil(t, res.Record.CanceledAt)
	assert.Len(t, res.Record.ProcessedEventIDs, 2)
}

func TestProcessorCancelWithoutSubscriptionKeepsCanceledAtUnset(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProcessor(t)

	for _, src := range []Source{SourceWebhook, SourceManual} {
		id := "c_" + string(src)
		res, err := p.Process(ctx, &Event{ID: id, Type: EventSubscriptionCanceled, Source: src, UserID: "user-1", SubscriptionID: "sub_1"})
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.False(t, res.Record.SubscriptionActive)
		assert.Nil(t, res.Record.CanceledAt, "source %s", src)
		assert.True(t, res.Record.HasProcessed(id))
	}
}

func TestProcessorRepeatedCancelKeepsFirstCanceledAt(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProcessor(t)
	first := time.Unix(1700000000, 0).UTC()

	_, err := p.Process(ctx, subscriptionCheckout("e1", "user-1", "sub_1"))
	require.NoError(t, err)
	res, err := p.Process(ctx, &Event{ID: "e2", Type: EventSubscriptionCanceled, Source: SourceWebhook, UserID: "user-1", SubscriptionID: "sub_1", OccurredAt: first})
	require.NoError(t, err)
	require.NotNil(t, res.Record.CanceledAt)
	assert.True(t, res.Record.CanceledAt.Equal(first))

	res, err = p.Process(ctx, &Event{ID: "m1", Type: EventSubscriptionCanceled, Source: SourceManual, UserID: "user-1", SubscriptionID: "sub_1", OccurredAt: first.Add(time.Hour)})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.True(t, res.Record.HasProcessed("m1"))
	require.NotNil(t, res.Record.CanceledAt)
	assert.True(t, res.Record.CanceledAt.Equal(first))
}

func TestProcessorReconcileCancelStampsUnheldSubscription(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProcessor(t)
	at := time.Unix(1700005000, 0).UTC()

	res, err := p.Process(ctx, &Event{ID: "r1", Type: EventSubscriptionCanceled, Source: SourceReconcile, UserID: "user-1", SubscriptionID: "sub_1", OccurredAt: at})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	require.NotNil(t, res.Record.CanceledAt)
	assert.True(t, res.Record.CanceledAt.Equal(at))
}

func TestProcessorNoOpEventsAreRecorded(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProcessor(t)

	_, err := p.Process(ctx, subscriptionCheckout("e1", "user-1", "sub_1"))
	require.NoError(t, err)

	res, err := p.Process(ctx, &Event{ID: "pf1", Type: EventPaymentFailed, SubscriptionID: "sub_1"})
	require.NoError(t, err)
	assert.Equal(t, "user-1", res.UserID)
	assert.True(t, res.Record.SubscriptionActive)
	assert.True(t, res.Record.HasProcessed("pf1"))

	res, err = p.Process(ctx, &Event{ID: "u1", Type: EventUnrecognized, RawType: "customer.updated", UserID: "user-1"})
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.True(t, res.Record.HasProcessed("u1"))

	res, err = p.Process(ctx, &Event{ID: "u1", Type: EventUnrecognized, UserID: "user-1"})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

func TestProcessorUnroutableEvent(t *testing.T) {
	p, _ := newTestProcessor(t)
	_, err := p.Process(context.Background(), &Event{ID: "x", Type: EventPaymentFailed, SubscriptionID: "sub_unknown"})
	assert.ErrorIs(t, err, ErrUnroutableEvent)
}

func TestProcessorFounderIsSetOnce(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProcessor(t)

	res, err := p.Process(ctx, &Event{ID: "f1", Type: EventCheckoutCompleted, Checkout: CheckoutFounder, UserID: "user-1"})
	require.NoError(t, err)
	require.True(t, res.Record.FounderSupporter)
	since := *res.Record.FounderSince

	p.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	res, err = p.Process(ctx, &Event{ID: "f2", Type: EventCheckoutCompleted, Checkout: CheckoutFounder, UserID: "user-1"})
	require.NoError(t, err)
	assert.True(t, res.Record.FounderSince.Equal(since))
}

func TestProcessorInvalidEventLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	p, store := newTestProcessor(t)

	_, err := p.Process(ctx, &Event{ID: "bad", Type: EventCheckoutCompleted, Checkout: CheckoutSubscription, UserID: "user-1"})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	rec, err := store.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, rec.HasProcessed("bad"))
	assert.Equal(t, int64(1), rec.Version)
}
