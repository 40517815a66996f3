package lib

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func entry(id uint32, body string) *Response {
	return &Response{Packet: Packet{MessageID: id, Op: OpSearchResultEntry, Body: []byte(body)}}
}

func TestReplyQueueTake(t *testing.T) {
	q := newReplyQueue()

	res, drained, err := q.Take(context.Background(), false)
	require.NoError(t, err)
	require.Nil(t, res)
	require.False(t, drained)

	require.True(t, q.push(entry(1, "a"), false))
	require.True(t, q.push(entry(1, "b"), true))
	require.False(t, q.push(entry(1, "c"), false))
	require.True(t, q.Sealed())
	require.EqualValues(t, 2, q.Len())

	res, drained, err = q.Take(context.Background(), true)
	require.NoError(t, err)
	require.EqualValues(t, "a", res.Body)
	require.False(t, drained)

	res, drained, err = q.Take(context.Background(), true)
	require.NoError(t, err)
	require.EqualValues(t, "b", res.Body)
	require.True(t, drained)

	res, drained, err = q.Take(context.Background(), true)
	require.NoError(t, err)
	require.Nil(t, res)
	require.False(t, drained)
}

func TestReplyQueueBlockingTake(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := newReplyQueue()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.push(entry(1, "late"), false)
	}()

	res, _, err := q.Take(context.Background(), true)
	require.NoError(t, err)
	require.EqualValues(t, "late", res.Body)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	res, _, err = q.Take(ctx, true)
	require.Equal(t, context.DeadlineExceeded, err)
	require.Nil(t, res)
}

func TestReplyQueueClose(t *testing.T) {
	q := newReplyQueue()
	q.push(entry(1, "a"), false)
	q.close(nil)

	require.True(t, q.Sealed())
	require.EqualValues(t, 0, q.Len())

	q = newReplyQueue()
	q.push(entry(1, "a"), false)
	q.close(failureResponse(&Packet{MessageID: 1, Op: OpSearchRequest}, ResultTimeout, ErrTimeout))

	res, drained, err := q.Take(context.Background(), true)
	require.NoError(t, err)
	require.EqualValues(t, "a", res.Body)
	require.False(t, drained)

	res, drained, err = q.Take(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, ErrTimeout, res.Err)
	require.EqualValues(t, OpSearchResultDone, res.Op)
	require.True(t, drained)
}
