package state

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vovarama1992/convo-guard/internal/tools"
)

func TestMergeSlots(t *testing.T) {
	s := New("s1", "b1")

	changed := s.MergeSlots(map[string]string{"phone": " 05321234567 ", "customer_name": ""})
	assert.Equal(t, []string{"phone"}, changed)
	assert.Equal(t, "05321234567", s.Slot("phone"))

	assert.Empty(t, s.MergeSlots(map[string]string{"phone": "05321234567"}))
	assert.Empty(t, s.MergeSlots(map[string]string{"phone": ""}), "empty never clears")
	assert.Equal(t, "05321234567", s.Slot("phone"))

	s.ClearSlots("phone")
	assert.Empty(t, s.Slot("phone"))
}

func TestRecordAttempt(t *testing.T) {
	s := New("s1", "b1")
	s.MergeSlots(map[string]string{"order_number": "ORD-1"})
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	s.RecordAttempt("customer_data_lookup", "h1", tools.OutcomeNeedMoreInfo, []string{"phone_last4"}, now)
	s.RecordAttempt("customer_data_lookup", "h1", tools.OutcomeNeedMoreInfo, []string{"phone_last4"}, now)
	require.NotNil(t, s.LastToolAttempt)
	assert.Equal(t, 2, s.LastToolAttempt.Count)
	assert.Equal(t, map[string]string{"order_number": "ORD-1"}, s.LastToolAttempt.SlotsSnapshot)

	s.MergeSlots(map[string]string{"phone_last4": "4567"})
	assert.NotContains(t, s.LastToolAttempt.SlotsSnapshot, "phone_last4", "snapshot is a copy")

	s.RecordAttempt("customer_data_lookup", "h2", tools.OutcomeOK, nil, now)
	assert.Equal(t, 1, s.LastToolAttempt.Count)
}

func TestBadgerStoreRoundTrip(t *testing.T) {
	store, err := OpenBadger("", time.Hour)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	s, err := store.Load(ctx, "s1", "b1")
	require.NoError(t, err)
	assert.Equal(t, VerificationNone, s.VerificationStatus)
	assert.NotNil(t, s.ExtractedSlots)

	s.MergeSlots(map[string]string{"phone": "05321234567"})
	s.ActiveFlow = CallbackFlowName
	s.CallbackFlow.Pending = true
	s.RecordAttempt("create_callback", "h", tools.OutcomeValidationError, []string{"customer_name"}, time.Now())
	require.NoError(t, store.Save(ctx, s))

	got, err := store.Load(ctx, "s1", "b1")
	require.NoError(t, err)
	assert.Equal(t, "05321234567", got.Slot("phone"))
	assert.True(t, got.CallbackFlow.Pending)
	assert.Equal(t, tools.OutcomeValidationError, got.LastToolAttempt.Outcome)
	assert.False(t, got.UpdatedAt.IsZero())

	other, err := store.Load(ctx, "s1", "b2")
	require.NoError(t, err)
	assert.Empty(t, other.ExtractedSlots, "a session never crosses tenants")
}

func TestBadgerStoreExpires(t *testing.T) {
	store, err := OpenBadger("", time.Second)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	s := New("s1", "b1")
	s.MergeSlots(map[string]string{"phone": "05321234567"})
	require.NoError(t, store.Save(ctx, s))

	time.Sleep(1100 * time.Millisecond)

	got, err := store.Load(ctx, "s1", "b1")
	require.NoError(t, err)
	assert.Empty(t, got.ExtractedSlots)
}

func TestSessionLocksSerializeOneSession(t *testing.T) {
	l := NewSessionLocks()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "s1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Zero(t, l.size())
}

func TestSessionLocksRespectContext(t *testing.T) {
	l := NewSessionLocks()
	unlock, err := l.Lock(context.Background(), "s1")
	require.NoError(t, err)

	other, err := l.Lock(context.Background(), "s2")
	require.NoError(t, err, "other sessions are not blocked")
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "s1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Zero(t, l.size())
}
