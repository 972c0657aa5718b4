package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/ocrfleet/pkg/fleet"
	"github.com/3leaps/ocrfleet/pkg/provider"
	"github.com/3leaps/ocrfleet/pkg/wire"
)

const queueBase = "https://sqs.us-east-1.amazonaws.com/000000000000/"

func queueURL(name string) string { return queueBase + name }

type fakeQueue struct {
	mu       sync.Mutex
	queues   map[string][]provider.Message
	sent     map[string][]string
	acked    map[string]int
	deleted  []string
	seq      int
	failSend func(url, body string) error
	failRecv int
}

func newFakeQueue(existing ...string) *fakeQueue {
	q := &fakeQueue{
		queues: make(map[string][]provider.Message),
		sent:   make(map[string][]string),
		acked:  make(map[string]int),
	}
	for _, name := range existing {
		q.queues[queueURL(name)] = nil
	}
	return q
}

func (q *fakeQueue) CreateQueue(_ context.Context, name string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	url := queueURL(name)
	if _, ok := q.queues[url]; !ok {
		q.queues[url] = nil
	}
	return url, nil
}

func (q *fakeQueue) QueueURL(_ context.Context, name string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	url := queueURL(name)
	if _, ok := q.queues[url]; !ok {
		return "", provider.Wrap(provider.ProviderSQS, "GetQueueUrl", name, "", provider.ErrQueueNotFound)
	}
	return url, nil
}

func (q *fakeQueue) Receive(ctx context.Context, url string) ([]provider.Message, error) {
	q.mu.Lock()
	if q.failRecv > 0 {
		q.failRecv--
		q.mu.Unlock()
		return nil, errors.New("sqs unavailable")
	}
	pending := q.queues[url]
	if len(pending) > 0 {
		n := min(len(pending), 10)
		batch := append([]provider.Message(nil), pending[:n]...)
		q.queues[url] = pending[n:]
		q.mu.Unlock()
		return batch, nil
	}
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Millisecond):
		return nil, nil
	}
}

func (q *fakeQueue) Send(_ context.Context, url, body string) error {
	if q.failSend != nil {
		if err := q.failSend(url, body); err != nil {
			return err
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sent[url] = append(q.sent[url], body)
	q.enqueueLocked(url, body)
	return nil
}

func (q *fakeQueue) Ack(_ context.Context, url string, msgs []provider.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked[url] += len(msgs)
	return nil
}

func (q *fakeQueue) DeleteQueue(_ context.Context, url string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, url)
	q.deleted = append(q.deleted, url)
	return nil
}

// put enqueues a message as if another party had sent it.
func (q *fakeQueue) put(url, body string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueueLocked(url, body)
}

func (q *fakeQueue) enqueueLocked(url, body string) {
	q.seq++
	q.queues[url] = append(q.queues[url], provider.Message{
		ID:            fmt.Sprintf("msg-%d", q.seq),
		Body:          body,
		ReceiptHandle: fmt.Sprintf("rh-%d", q.seq),
	})
}

func (q *fakeQueue) sentTo(url string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.sent[url]...)
}

func (q *fakeQueue) ackedOn(url string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked[url]
}

func (q *fakeQueue) deletedQueues() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.deleted...)
}

type fakeStore struct {
	mu         sync.Mutex
	objects    map[string]string
	writes     map[string]string
	failWrites int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects: make(map[string]string),
		writes:  make(map[string]string),
	}
}

func (s *fakeStore) ReadLines(_ context.Context, bucket, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.objects[bucket+"/"+key]
	if !ok {
		return nil, provider.Wrap(provider.ProviderS3, "GetObject", bucket, key, provider.ErrNotFound)
	}
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func (s *fakeStore) WriteString(_ context.Context, bucket, key, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites > 0 {
		s.failWrites--
		return errors.New("s3 unavailable")
	}
	s.writes[bucket+"/"+key] = content
	return nil
}

func (s *fakeStore) put(bucket, key string, lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+key] = strings.Join(lines, "\n")
}

func (s *fakeStore) written(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.writes[path]
	return content, ok
}

func (s *fakeStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

type fakeCompute struct {
	mu        sync.Mutex
	instances []fleet.Instance
	runs      []fleet.RunRequest
	next      int
}

func (c *fakeCompute) DescribeInstances(_ context.Context, role fleet.Role) ([]fleet.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []fleet.Instance
	for _, inst := range c.instances {
		if inst.Role == role {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (c *fakeCompute) RunInstances(_ context.Context, req fleet.RunRequest) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = append(c.runs, req)
	ids := make([]string, req.Count)
	for i := range ids {
		c.next++
		ids[i] = fmt.Sprintf("i-%04d", c.next)
		c.instances = append(c.instances, fleet.Instance{ID: ids[i], State: fleet.StatePending, Role: req.Role})
	}
	return ids, nil
}

func (c *fakeCompute) TerminateInstances(_ context.Context, ids []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		for i := range c.instances {
			if c.instances[i].ID == id {
				c.instances[i].State = fleet.StateTerminated
			}
		}
	}
	return nil
}

func (c *fakeCompute) add(role fleet.Role, state fleet.InstanceState, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for range n {
		c.next++
		c.instances = append(c.instances, fleet.Instance{ID: fmt.Sprintf("i-%04d", c.next), State: state, Role: role})
	}
}

func (c *fakeCompute) runRequests() []fleet.RunRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]fleet.RunRequest(nil), c.runs...)
}

func (c *fakeCompute) alive(role fleet.Role) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, inst := range c.instances {
		if inst.Role == role && inst.State.Alive() {
			n++
		}
	}
	return n
}

const (
	submitQueue = "localAppToManagerQueue"
	workQueue   = "managerToWorkersQueue"
	resultQueue = "workerToManagerQueue"
)

type harness struct {
	t       *testing.T
	queue   *fakeQueue
	store   *fakeStore
	compute *fakeCompute
	mgr     *Manager
	cancel  context.CancelFunc
	done    chan error
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		queue:   newFakeQueue(submitQueue),
		store:   newFakeStore(),
		compute: &fakeCompute{},
	}
	opts := Options{
		SubmissionQueue:      submitQueue,
		WorkQueue:            workQueue,
		ResultQueue:          resultQueue,
		WorkerParams:         fleet.LaunchParams{ImageID: "ami-worker", InstanceType: "t2.micro"},
		Burst:                1,
		SendRetries:          1,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
		PublishAttempts:      3,
		CleanupTimeout:       time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	mgr, err := New(Deps{
		Queue:  h.queue,
		Store:  h.store,
		Fleet:  fleet.New(h.compute, fleet.Config{}),
		Logger: zap.NewNop(),
	}, opts)
	require.NoError(t, err)
	h.mgr = mgr
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.mgr.Run(ctx) }()
	h.t.Cleanup(cancel)
}

func (h *harness) submit(reply, bucket, key string, workers int, terminate bool) {
	h.queue.put(queueURL(submitQueue), wire.EncodeSubmission(wire.Submission{
		ReplyTo:   reply,
		Bucket:    bucket,
		ListKey:   key,
		Workers:   workers,
		Terminate: terminate,
	}))
}

func (h *harness) result(reply, item, text string) {
	h.queue.put(queueURL(resultQueue), wire.EncodeResult(wire.Result{ReplyTo: reply, ItemURL: item, Text: text}))
}

func (h *harness) workItems() []wire.WorkItem {
	var out []wire.WorkItem
	for _, body := range h.queue.sentTo(queueURL(workQueue)) {
		w, err := wire.DecodeWorkItem(body)
		require.NoError(h.t, err)
		out = append(out, w)
	}
	return out
}

func (h *harness) waitWorkItems(n int) []wire.WorkItem {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return len(h.queue.sentTo(queueURL(workQueue))) >= n
	}, 2*time.Second, time.Millisecond)
	return h.workItems()
}

func (h *harness) waitReply(reply string) string {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return len(h.queue.sentTo(reply)) > 0
	}, 2*time.Second, time.Millisecond)
	return h.queue.sentTo(reply)[0]
}

func (h *harness) waitDone(reply string) string {
	h.t.Helper()
	name, err := wire.DecodeDone(h.waitReply(reply))
	require.NoError(h.t, err)
	return name
}

func (h *harness) stop() error {
	h.mgr.Lifecycle().RequestTermination()
	return h.wait()
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(3 * time.Second):
		h.t.Fatal("manager did not stop")
		return nil
	}
}
