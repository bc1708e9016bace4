package shutdown_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/orderflow/internal/adapter/storage"
	"github.com/rl1809/orderflow/internal/core/domain"
	"github.com/rl1809/orderflow/internal/core/hub"
	"github.com/rl1809/orderflow/internal/core/queue"
	"github.com/rl1809/orderflow/internal/core/shutdown"
	"github.com/rl1809/orderflow/internal/logging"
	"github.com/rl1809/orderflow/internal/metrics"
)

// node wires a job queue on miniredis and a hub with live connections the
// same way the server does, with three jobs mid-flight.
type node struct {
	client    *redis.Client
	queue     *queue.Queue
	hub       *hub.Hub
	release   chan struct{}
	started   atomic.Int32
	completed atomic.Int32
	accepting atomic.Bool

	mu    sync.Mutex
	steps []string
}

func newNode(t *testing.T) *node {
	t.Helper()
	mr := miniredis.RunT(t)
	n := &node{
		client:  redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		release: make(chan struct{}),
	}
	n.accepting.Store(true)

	n.queue = queue.New(storage.NewRedisAdapter(n.client), nil, queue.Options{
		Workers:      3,
		PollInterval: 5 * time.Millisecond,
		Lease:        time.Minute,
	}, logging.Nop(), metrics.Nop())
	n.queue.RegisterProcessor(domain.JobProcessOrder, func(ctx context.Context, job domain.Job) error {
		n.started.Add(1)
		<-n.release
		n.completed.Add(1)
		return nil
	})

	n.hub = hub.New(nil, nil, 16, logging.Nop(), metrics.Nop())
	for _, user := range []string{"alice", "bob", "carol"} {
		c, err := n.hub.Register(user)
		require.NoError(t, err)
		// stands in for the websocket pumps
		go func() {
			<-c.Done()
			n.hub.Unregister(c)
		}()
	}

	require.NoError(t, n.queue.Start())
	for i := range 3 {
		_, err := n.queue.Enqueue(context.Background(), domain.JobProcessOrder, domain.ProcessOrderPayload{OrderID: fmt.Sprintf("ord_%d", i)})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return n.started.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	return n
}

func (n *node) ran(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.steps = append(n.steps, name)
}

// coordinator registers the server's teardown order. lateRegister records
// what a connection attempt gets once inbound traffic is stopped.
func (n *node) coordinator(step time.Duration, onConsumerStop func(), lateRegister *error) *shutdown.Coordinator {
	c := shutdown.New(logging.Nop())
	c.Add("stop inbound traffic", step, func(context.Context) error {
		n.ran("inbound")
		n.accepting.Store(false)
		n.hub.StopAccepting()
		return nil
	})
	c.Add("stop event consumer", step, func(context.Context) error {
		n.ran("consumer")
		_, *lateRegister = n.hub.Register("late")
		if onConsumerStop != nil {
			onConsumerStop()
		}
		return nil
	})
	c.Add("drain job workers", step, func(ctx context.Context) error {
		n.ran("workers")
		return n.queue.Stop(ctx)
	})
	c.Add("close realtime connections", step, func(ctx context.Context) error {
		n.ran("connections")
		return n.hub.Close(ctx)
	})
	c.Add("close producer", step, func(context.Context) error {
		n.ran("producer")
		return nil
	})
	c.Add("close stores", step, func(context.Context) error {
		n.ran("stores")
		return n.client.Close()
	})
	return c
}

var allSteps = []string{"inbound", "consumer", "workers", "connections", "producer", "stores"}

func TestShutdown_DrainsJobsAndConnectionsInOrder(t *testing.T) {
	n := newNode(t)

	var lateErr error
	c := n.coordinator(500*time.Millisecond, func() { close(n.release) }, &lateErr)

	start := time.Now()
	require.NoError(t, c.Run(context.Background()))
	elapsed := time.Since(start)

	assert.Less(t, elapsed, c.Budget())
	assert.Equal(t, allSteps, n.steps)
	assert.False(t, n.accepting.Load())
	assert.ErrorIs(t, lateErr, domain.ErrHubClosed)
	assert.EqualValues(t, 3, n.completed.Load())
	assert.Equal(t, 0, n.hub.Len())
	assert.ErrorIs(t, n.queue.Start(), domain.ErrQueueClosed)
}

func TestShutdown_HungJobsDoNotBlockLaterSteps(t *testing.T) {
	n := newNode(t)
	t.Cleanup(func() { close(n.release) })

	var lateErr error
	c := n.coordinator(150*time.Millisecond, nil, &lateErr)

	start := time.Now()
	err := c.Run(context.Background())
	elapsed := time.Since(start)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "drain job workers")
	assert.LessOrEqual(t, elapsed, c.Budget())
	assert.Equal(t, allSteps, n.steps)
	assert.ErrorIs(t, lateErr, domain.ErrHubClosed)
	assert.Zero(t, n.completed.Load())
	assert.Equal(t, 0, n.hub.Len())
}
