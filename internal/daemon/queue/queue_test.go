package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOOrder(t *testing.T) {
	q := New()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(&Turn{RequestID: fmt.Sprintf("r%d", i)}))
	}

	for i := 0; i < 5; i++ {
		turn, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("r%d", i), turn.RequestID)
	}
}

func TestQueuedAheadCapturedAtAdmission(t *testing.T) {
	q := New()

	first := &Turn{RequestID: "r1"}
	require.NoError(t, q.Enqueue(first))
	assert.Equal(t, 0, first.QueuedAhead)

	// r1 is handed to the executor and counts as in flight until Done.
	_, err := q.Dequeue(context.Background())
	require.NoError(t, err)

	second := &Turn{RequestID: "r2"}
	require.NoError(t, q.Enqueue(second))
	assert.Equal(t, 1, second.QueuedAhead)

	// A third admitted behind the running turn and the waiting one.
	third := &Turn{RequestID: "r3"}
	require.NoError(t, q.Enqueue(third))
	assert.Equal(t, 2, third.QueuedAhead)
}

func TestQueuedAheadCountsTurnUntilDone(t *testing.T) {
	q := New()
	require.NoError(t, q.Enqueue(&Turn{RequestID: "r1"}))

	// The in-flight mark is set by Dequeue itself, so a request admitted
	// before the executor flips any flag of its own still sees the
	// running turn.
	_, err := q.Dequeue(context.Background())
	require.NoError(t, err)

	during := &Turn{RequestID: "r2"}
	require.NoError(t, q.Enqueue(during))
	assert.Equal(t, 1, during.QueuedAhead)
	q.Done()

	_, err = q.Dequeue(context.Background())
	require.NoError(t, err)
	q.Done()

	after := &Turn{RequestID: "r3"}
	require.NoError(t, q.Enqueue(after))
	assert.Equal(t, 0, after.QueuedAhead)
}

func TestDuplicateRequestIDsAdmitted(t *testing.T) {
	q := New()
	require.NoError(t, q.Enqueue(&Turn{RequestID: "r1", Text: "a"}))
	require.NoError(t, q.Enqueue(&Turn{RequestID: "r1", Text: "b"}))

	assert.Equal(t, 2, q.Len())
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New()
	got := make(chan *Turn, 1)
	go func() {
		turn, err := q.Dequeue(context.Background())
		if err == nil {
			got <- turn
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(&Turn{RequestID: "late"}))

	select {
	case turn := <-got:
		assert.Equal(t, "late", turn.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue never woke up")
	}
}

func TestDequeueHonorsContext(t *testing.T) {
	q := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseDrainsThenFails(t *testing.T) {
	q := New()
	require.NoError(t, q.Enqueue(&Turn{RequestID: "r1"}))
	q.Close()

	turn, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "r1", turn.RequestID)

	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, q.Enqueue(&Turn{RequestID: "r2"}), ErrClosed)
}
