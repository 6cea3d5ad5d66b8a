package transaction

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bilbercode/hsec-client/internal/protocol"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu        sync.Mutex
	connected bool
	sent      [][]byte
	err       error
}

func (f *fakeSender) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSender) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	return f.err
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func receive(t *testing.T, ch <-chan Response, within time.Duration) Response {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(within):
		t.Fatal("no response")
		return Response{}
	}
}

func assertNothing(t *testing.T, ch <-chan Response, within time.Duration) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("unexpected second resolution: %v", r)
	case <-time.After(within):
	}
}

func TestRegistry_SendEncodesRequest(t *testing.T) {
	s := &fakeSender{connected: true}
	r := New()

	id, _, err := r.Send(s, protocol.OpRenameCamera, map[string]string{"mac": "AA", "new_name": "door"}, time.Second)
	require.NoError(t, err)
	require.NotZero(t, id)
	require.Equal(t, 1, s.count())

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(s.sent[0], &got))
	assert.Equal(t, "rename_camera", got["type"])
	assert.EqualValues(t, id, got["transaction_id"])
	assert.Equal(t, "door", got["new_name"])
	assert.Equal(t, 1, r.Pending())
}

func TestRegistry_NotConnected(t *testing.T) {
	s := &fakeSender{}
	r := New()

	id, ch, err := r.Send(s, protocol.OpGetCameras, nil, time.Second)
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.Equal(t, protocol.ReservedTransactionID, id)
	assert.Nil(t, ch)
	assert.Zero(t, s.count())
	assert.Zero(t, r.Pending())
}

func TestRegistry_ResolveOutOfOrder(t *testing.T) {
	s := &fakeSender{connected: true}
	r := New()

	const n = 50
	ids := make([]uint32, n)
	chans := make([]<-chan Response, n)
	for i := 0; i < n; i++ {
		id, ch, err := r.Send(s, protocol.OpGetCameras, nil, 5*time.Second)
		require.NoError(t, err)
		ids[i], chans[i] = id, ch
	}
	assert.Equal(t, n, r.Pending())

	for i := n - 1; i >= 0; i-- {
		ok := r.Resolve(protocol.Envelope{TransactionID: ids[i], Status: protocol.StatusSuccess, Data: json.RawMessage(`{"i":1}`)})
		assert.True(t, ok)
	}

	for i := 0; i < n; i++ {
		resp := receive(t, chans[i], time.Second)
		assert.Equal(t, ids[i], resp.TransactionID)
		assert.Equal(t, OutcomeResponse, resp.Outcome)
		assert.True(t, resp.Succeeded())
	}
	assert.Zero(t, r.Pending())

	// A repeat of the same response is a no-op.
	assert.False(t, r.Resolve(protocol.Envelope{TransactionID: ids[0], Status: protocol.StatusSuccess}))
	assertNothing(t, chans[0], 20*time.Millisecond)
}

func TestRegistry_ConcurrentCallersResolveOnce(t *testing.T) {
	s := &fakeSender{connected: true}
	r := New()

	const n = 100
	var wg sync.WaitGroup
	results := make(chan Response, n*2)
	idCh := make(chan uint32, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, ch, err := r.Send(s, protocol.OpGetNotifications, nil, 2*time.Second)
			if err != nil {
				t.Error(err)
				return
			}
			idCh <- id
			results <- <-ch
			select {
			case extra := <-ch:
				results <- extra
			case <-time.After(10 * time.Millisecond):
			}
		}()
	}

	seen := make(map[uint32]bool)
	for i := 0; i < n; i++ {
		id := <-idCh
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
		go r.Resolve(protocol.Envelope{TransactionID: id, Status: protocol.StatusSuccess})
	}

	wg.Wait()
	close(results)
	count := 0
	for range results {
		count++
	}
	assert.Equal(t, n, count)
}

func TestRegistry_UnknownResponseIgnored(t *testing.T) {
	s := &fakeSender{connected: true}
	r := New()

	id, ch, err := r.Send(s, protocol.OpGetCameras, nil, time.Second)
	require.NoError(t, err)

	orphans := testutil.ToFloat64(orphanResponses)
	assert.False(t, r.Resolve(protocol.Envelope{TransactionID: id + 1, Status: protocol.StatusSuccess}))
	assert.False(t, r.Resolve(protocol.Envelope{TransactionID: protocol.ReservedTransactionID}))
	assert.Equal(t, 1, r.Pending())
	assert.Equal(t, orphans+1, testutil.ToFloat64(orphanResponses))

	assert.True(t, r.Resolve(protocol.Envelope{TransactionID: id, Status: protocol.StatusSuccess}))
	assert.Equal(t, OutcomeResponse, receive(t, ch, time.Second).Outcome)
}

func TestRegistry_Timeout(t *testing.T) {
	s := &fakeSender{connected: true}
	r := New()

	const timeout = 100 * time.Millisecond
	start := time.Now()
	_, ch1, err := r.Send(s, protocol.OpGetCameras, nil, timeout)
	require.NoError(t, err)
	_, ch2, err := r.Send(s, protocol.OpGetNotifications, nil, timeout)
	require.NoError(t, err)

	for _, ch := range []<-chan Response{ch1, ch2} {
		resp := receive(t, ch, time.Second)
		elapsed := time.Since(start)
		assert.Equal(t, OutcomeTimeout, resp.Outcome)
		assert.Equal(t, TimeoutReason, resp.Error)
		assert.False(t, resp.Succeeded())
		assert.GreaterOrEqual(t, elapsed, timeout)
		assert.Less(t, elapsed, timeout+500*time.Millisecond)
	}
	assert.Zero(t, r.Pending())
}

func TestRegistry_LateResponseAfterTimeout(t *testing.T) {
	s := &fakeSender{connected: true}
	r := New()

	expired := testutil.ToFloat64(timeouts.WithLabelValues(protocol.OpGetPlaybackRange.String()))
	id, ch, err := r.Send(s, protocol.OpGetPlaybackRange, nil, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, receive(t, ch, time.Second).Outcome)
	assert.Equal(t, expired+1, testutil.ToFloat64(timeouts.WithLabelValues(protocol.OpGetPlaybackRange.String())))

	assert.False(t, r.Resolve(protocol.Envelope{TransactionID: id, Status: protocol.StatusSuccess}))
	assertNothing(t, ch, 20*time.Millisecond)
}

func TestRegistry_ResponseJustBeforeTimeoutCancelsTimer(t *testing.T) {
	s := &fakeSender{connected: true}
	r := New()

	const timeout = 150 * time.Millisecond
	id, ch, err := r.Send(s, protocol.OpGetCameras, nil, timeout)
	require.NoError(t, err)

	time.Sleep(timeout - 30*time.Millisecond)
	require.True(t, r.Resolve(protocol.Envelope{TransactionID: id, Status: protocol.StatusSuccess, Data: json.RawMessage(`"ok"`)}))

	resp := receive(t, ch, time.Second)
	assert.Equal(t, OutcomeResponse, resp.Outcome)
	assert.Equal(t, "ok", resp.Reason())

	// Well past the original deadline nothing else arrives.
	assertNothing(t, ch, 2*timeout)
}

func TestRegistry_DefaultTimeout(t *testing.T) {
	s := &fakeSender{connected: true}
	r := New(WithDefaultTimeout(40 * time.Millisecond))

	_, ch, err := r.Send(s, protocol.OpGetCameras, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, receive(t, ch, time.Second).Outcome)
}

func TestRegistry_SendErrorStillSettles(t *testing.T) {
	s := &fakeSender{connected: true, err: errors.New("broken pipe")}
	r := New()

	_, ch, err := r.Send(s, protocol.OpGetCameras, nil, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, receive(t, ch, time.Second).Outcome)
}

func TestRegistry_IDCollisionRegenerates(t *testing.T) {
	seq := []uint32{0, 7, 7, 7, 9}
	var i int
	var mu sync.Mutex
	r := New(WithIDSource(func() uint32 {
		mu.Lock()
		defer mu.Unlock()
		v := seq[i%len(seq)]
		i++
		return v
	}))
	s := &fakeSender{connected: true}

	first, _, err := r.Send(s, protocol.OpGetCameras, nil, time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 7, first)

	second, _, err := r.Send(s, protocol.OpGetCameras, nil, time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 9, second)

	r.FailAll(OutcomeCancelled, "test done")
}

func TestRegistry_FailAll(t *testing.T) {
	s := &fakeSender{connected: true}
	r := New()

	var chans []<-chan Response
	for i := 0; i < 3; i++ {
		_, ch, err := r.Send(s, protocol.OpGetCameras, nil, time.Second)
		require.NoError(t, err)
		chans = append(chans, ch)
	}

	assert.Equal(t, 3, r.FailAll(OutcomeDisconnected, "Connection closed"))
	for _, ch := range chans {
		resp := receive(t, ch, time.Second)
		assert.Equal(t, OutcomeDisconnected, resp.Outcome)
		assert.Equal(t, "Connection closed", resp.Error)
		// The timer is gone too.
		assertNothing(t, ch, 10*time.Millisecond)
	}
	assert.Zero(t, r.Pending())
}

func TestRegistry_Cancel(t *testing.T) {
	s := &fakeSender{connected: true}
	r := New()

	id, ch, err := r.Send(s, protocol.OpGetCameras, nil, time.Second)
	require.NoError(t, err)

	assert.True(t, r.Cancel(id, "context canceled"))
	assert.False(t, r.Cancel(id, "again"))
	assert.Equal(t, OutcomeCancelled, receive(t, ch, time.Second).Outcome)
	assert.False(t, r.Resolve(protocol.Envelope{TransactionID: id}))
}

func TestRegistry_SendWithID(t *testing.T) {
	s := &fakeSender{connected: true}
	r := New()

	ch, err := r.SendWithID(s, protocol.OpStopStreamCamera, 4242, map[string]string{"mac": "AA"}, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, s.count())

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(s.sent[0], &got))
	assert.Equal(t, "stop_stream", got["type"])
	assert.EqualValues(t, 4242, got["transaction_id"])

	orphans := testutil.ToFloat64(orphanResponses)
	frame := protocol.Envelope{
		TransactionID: 4242,
		Status:        protocol.StatusSuccess,
		Data:          json.RawMessage(`{"type":"frame","mac":"AA","frame":"AAEC"}`),
	}
	assert.False(t, r.Resolve(frame))
	assert.Equal(t, 1, r.Pending())
	assert.Equal(t, orphans, testutil.ToFloat64(orphanResponses))
	assertNothing(t, ch, 10*time.Millisecond)

	ack := protocol.Envelope{TransactionID: 4242, Status: protocol.StatusSuccess, Data: json.RawMessage(`"Camera streaming stopped"`)}
	assert.True(t, r.Resolve(ack))
	res := receive(t, ch, time.Second)
	assert.Equal(t, OutcomeResponse, res.Outcome)
	assert.Equal(t, "Camera streaming stopped", res.Reason())
}

func TestRegistry_SendWithIDRejectsPendingID(t *testing.T) {
	s := &fakeSender{connected: true}
	r := New()

	id, _, err := r.Send(s, protocol.OpStartStreamCamera, nil, time.Second)
	require.NoError(t, err)

	_, err = r.SendWithID(s, protocol.OpStopStreamCamera, id, nil, time.Second)
	assert.True(t, errors.Is(err, ErrIDInUse))
	_, err = r.SendWithID(s, protocol.OpStopStreamCamera, protocol.ReservedTransactionID, nil, time.Second)
	assert.True(t, errors.Is(err, ErrIDInUse))
	assert.Equal(t, 1, s.count())

	_, err = r.SendWithID(&fakeSender{}, protocol.OpStopStreamCamera, id+1, nil, time.Second)
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestRegistry_SendWithIDTimesOut(t *testing.T) {
	s := &fakeSender{connected: true}
	r := New()

	ch, err := r.SendWithID(s, protocol.OpStopDiscoverCameras, 77, nil, 20*time.Millisecond)
	require.NoError(t, err)
	res := receive(t, ch, time.Second)
	assert.Equal(t, OutcomeTimeout, res.Outcome)
	assert.Zero(t, r.Pending())
}
