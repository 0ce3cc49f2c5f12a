package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pulsefeed/internal/output"
	"github.com/banshee-data/pulsefeed/internal/pulse"
)

var testRunID = uuid.MustParse("0a7b5c3e-1111-4222-8333-944455556666")

func testMessage(band pulse.Band, seq uint64, body string) *output.Message {
	return &output.Message{
		Band:     band,
		Sequence: seq,
		RunID:    testRunID,
		Count:    1,
		Body:     []byte(body),
	}
}

func openTestQueue(t *testing.T) *SQLiteQueue {
	t.Helper()
	q, err := OpenSQLite(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestSQLiteQueue_AppendAndRead(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	want := []*output.Message{
		testMessage(pulse.BandA, 1, "first"),
		testMessage(pulse.BandB, 1, "second"),
		testMessage(pulse.BandA, 2, "third"),
	}
	for _, m := range want {
		require.NoError(t, q.Write(ctx, m))
	}

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	entries, err := q.ReadFrom(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		if diff := cmp.Diff(want[i], e.Message); diff != "" {
			t.Errorf("entry %d mismatch (-want +got):\n%s", i, diff)
		}
		if i > 0 {
			assert.Greater(t, e.QueueSeq, entries[i-1].QueueSeq)
		}
	}

	rest, err := q.ReadFrom(ctx, entries[0].QueueSeq, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "second", string(rest[0].Message.Body))
}

func TestSQLiteQueue_RejectsDuplicateMessageSequence(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Write(ctx, testMessage(pulse.BandA, 1, "a")))
	assert.Error(t, q.Write(ctx, testMessage(pulse.BandA, 1, "again")))
	assert.NoError(t, q.Write(ctx, testMessage(pulse.BandB, 1, "other band")))
}

func TestSQLiteQueue_ReopenKeepsMessages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	q, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, q.Write(ctx, testMessage(pulse.BandA, 1, "kept")))
	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Write(ctx, testMessage(pulse.BandA, 2, "late")), ErrClosed)

	q, err = OpenSQLite(path)
	require.NoError(t, err)
	defer q.Close()
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryQueue_FailNext(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	boom := errors.New("disk full")

	q.FailNext(2, boom)
	assert.ErrorIs(t, q.Write(ctx, testMessage(pulse.BandA, 1, "x")), boom)
	assert.ErrorIs(t, q.Write(ctx, testMessage(pulse.BandA, 2, "x")), boom)
	require.NoError(t, q.Write(ctx, testMessage(pulse.BandA, 3, "x")))

	msgs := q.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, uint64(3), msgs[0].Sequence)

	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Write(ctx, testMessage(pulse.BandA, 4, "x")), ErrClosed)
}

func TestMemoryQueue_CopiesBody(t *testing.T) {
	q := NewMemoryQueue()
	m := testMessage(pulse.BandA, 1, "abc")
	require.NoError(t, q.Write(context.Background(), m))
	m.Body[0] = 'z'
	assert.Equal(t, "abc", string(q.Messages()[0].Body))
}

type fakeToken struct {
	done chan struct{}
	err  error
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeClient struct {
	topics   []string
	payloads [][]byte
	err      error
	hang     bool
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload.([]byte))
	tok := &fakeToken{done: make(chan struct{}), err: c.err}
	if !c.hang {
		close(tok.done)
	}
	return tok
}

func (c *fakeClient) Disconnect(uint) {}

func TestMQTTSink_Write(t *testing.T) {
	client := &fakeClient{}
	sink := newMQTTSink(client, MQTTConfig{TopicPrefix: "radar/pulses", Timeout: time.Second})

	m := testMessage(pulse.BandB, 9, "payload")
	require.NoError(t, sink.Write(context.Background(), m))
	require.Equal(t, []string{"radar/pulses/B"}, client.topics)

	var got output.Message
	require.NoError(t, got.UnmarshalBinary(client.payloads[0]))
	if diff := cmp.Diff(m, &got); diff != "" {
		t.Errorf("published message mismatch (-want +got):\n%s", diff)
	}
}

func TestMQTTSink_Errors(t *testing.T) {
	boom := errors.New("not connected")
	sink := newMQTTSink(&fakeClient{err: boom}, MQTTConfig{TopicPrefix: "p", Timeout: time.Second})
	assert.ErrorIs(t, sink.Write(context.Background(), testMessage(pulse.BandA, 1, "x")), boom)

	sink = newMQTTSink(&fakeClient{hang: true}, MQTTConfig{TopicPrefix: "p", Timeout: 20 * time.Millisecond})
	assert.Error(t, sink.Write(context.Background(), testMessage(pulse.BandA, 1, "x")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink = newMQTTSink(&fakeClient{hang: true}, MQTTConfig{TopicPrefix: "p", Timeout: time.Minute})
	assert.ErrorIs(t, sink.Write(ctx, testMessage(pulse.BandA, 1, "x")), context.Canceled)
}
