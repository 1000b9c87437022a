package ingress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/LEEJINSOL1/BnbFunDapp/internal/metrics"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReader serves a fixed list of messages, then blocks until ctx ends.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	next      int
	committed []int64
	commitErr error
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if r.next < len(r.msgs) {
		msg := r.msgs[r.next]
		r.next++
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.commitErr != nil {
		return r.commitErr
	}
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) offsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

// scriptedIngester returns queued errors in order, then succeeds.
type scriptedIngester struct {
	mu     sync.Mutex
	errs   []error
	trades []model.Trade
}

func (s *scriptedIngester) Ingest(_ context.Context, trade model.Trade) (model.TradeUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return model.TradeUpdate{}, err
		}
	}
	s.trades = append(s.trades, trade)
	return model.TradeUpdate{Trade: trade}, nil
}

func (s *scriptedIngester) applied() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trades)
}

func tradeMessage(offset int64, value string) kafka.Message {
	payload := fmt.Sprintf(`{"token_address":"0xabc","type":"buy","token_amount":"1","bnb_value":%q,"timestamp":"2024-05-01T12:00:00Z"}`, value)
	return kafka.Message{Key: []byte("0xabc"), Value: []byte(payload), Offset: offset}
}

func runConsumer(t *testing.T, c *Consumer) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestConsumer_CommitsSettledMessages(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		tradeMessage(1, "1.0"),
		{Offset: 2, Value: []byte(`not json`)},
		tradeMessage(3, "2.0"),
		tradeMessage(4, "0.5"),
	}}
	ingester := &scriptedIngester{errs: []error{nil, fmt.Errorf("%w: negative value", model.ErrInvalidEvent)}}
	m := metrics.New(prometheus.NewRegistry())
	c := NewConsumer(reader, ingester, m)

	cancel, done := runConsumer(t, c)

	require.Eventually(t, func() bool { return len(reader.offsets()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3, 4}, reader.offsets())
	assert.Equal(t, 2, ingester.applied())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.IngressMessages.WithLabelValues("kafka", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngressMessages.WithLabelValues("kafka", "invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngressMessages.WithLabelValues("kafka", "rejected")))

	cancel()
	assert.NoError(t, <-done)
}

func TestConsumer_RetriesTransientFailures(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{tradeMessage(7, "1.0")}}
	transient := fmt.Errorf("%w: connection refused", model.ErrTransientFailure)
	ingester := &scriptedIngester{errs: []error{transient, transient}}
	c := NewConsumer(reader, ingester, nil)
	c.retryMin = time.Millisecond
	c.retryMax = 2 * time.Millisecond

	runConsumer(t, c)

	require.Eventually(t, func() bool { return ingester.applied() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(reader.offsets()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{7}, reader.offsets())
}

func TestConsumer_NoCommitWhenStoppedMidRetry(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{tradeMessage(1, "1.0")}}
	always := make([]error, 1000)
	for i := range always {
		always[i] = errors.New("database is down")
	}
	ingester := &scriptedIngester{errs: always}
	c := NewConsumer(reader, ingester, nil)
	c.retryMin = time.Millisecond
	c.retryMax = time.Millisecond

	cancel, done := runConsumer(t, c)
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.NoError(t, <-done)
	assert.Empty(t, reader.offsets(), "an unsettled message must be redelivered")
	assert.Zero(t, ingester.applied())
}

func TestConsumer_CommitFailureStops(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{tradeMessage(1, "1.0")}, commitErr: errors.New("group rebalanced")}
	c := NewConsumer(reader, &scriptedIngester{}, nil)

	_, done := runConsumer(t, c)
	select {
	case err := <-done:
		assert.ErrorContains(t, err, "group rebalanced")
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}

	require.NoError(t, c.Close())
	assert.True(t, reader.closed)
}
