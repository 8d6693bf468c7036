package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/docchat/api/internal/client"
	"github.com/docchat/api/internal/model"
	"github.com/docchat/api/internal/store"
	"github.com/docchat/api/internal/worker"
	"github.com/docchat/api/pkg/retry"
)

func directMessage(id string) *model.JobMessage {
	return &model.JobMessage{
		RequestID:   id,
		RequestType: model.RequestTypeDirect,
		Input:       model.JobInput{Text: "hello"},
		SessionID:   "sess-1",
	}
}

func TestNewJobTask_RoutesByRequestType(t *testing.T) {
	tests := []struct {
		rt        model.RequestType
		wantType  string
		wantQueue string
	}{
		{model.RequestTypeDirect, TaskTypeDirect, QueueDirect},
		{model.RequestTypeWorkflow, TaskTypeWorkflow, QueueWorkflow},
	}
	for _, tt := range tests {
		msg := directMessage("req-1")
		msg.RequestType = tt.rt
		task, r, err := newJobTask(msg)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.rt, err)
		}
		if task.Type() != tt.wantType || r.queue != tt.wantQueue {
			t.Errorf("%s: got type=%s queue=%s", tt.rt, task.Type(), r.queue)
		}
	}

	if _, _, err := newJobTask(&model.JobMessage{RequestID: "x", RequestType: "BATCH"}); err == nil {
		t.Error("expected error for unknown request type")
	}
}

func TestAsynqHandler_DecodesAndDispatches(t *testing.T) {
	var got *model.JobMessage
	h := NewAsynqHandler(func(ctx context.Context, msg *model.JobMessage) error {
		got = msg
		return nil
	})

	task, _, _ := newJobTask(directMessage("req-1"))
	if err := h.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.RequestID != "req-1" || got.Input.Text != "hello" {
		t.Fatalf("handler received %+v", got)
	}
}

func TestAsynqHandler_SkipsRetryOnBadPayload(t *testing.T) {
	called := false
	h := NewAsynqHandler(func(ctx context.Context, msg *model.JobMessage) error {
		called = true
		return nil
	})

	err := h.ProcessTask(context.Background(), asynq.NewTask(TaskTypeDirect, []byte("{not json")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}

	// payload says DIRECT but task type says workflow
	data, _ := json.Marshal(directMessage("req-2"))
	err = h.ProcessTask(context.Background(), asynq.NewTask(TaskTypeWorkflow, data))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry on type mismatch, got %v", err)
	}
	if called {
		t.Fatal("handler must not run for rejected tasks")
	}
}

func TestAsynqHandler_PropagatesHandlerError(t *testing.T) {
	boom := errors.New("store unavailable")
	h := NewAsynqHandler(func(ctx context.Context, msg *model.JobMessage) error { return boom })

	task, _, _ := newJobTask(directMessage("req-1"))
	err := h.ProcessTask(context.Background(), task)
	if !errors.Is(err, boom) || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected retryable handler error, got %v", err)
	}
}

type fakeChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.err
}

func TestRabbitPublisher_RoutesAndTagsMessage(t *testing.T) {
	ch := &fakeChannel{}
	p := &RabbitPublisher{channel: ch, exchange: "jobs"}

	msg := directMessage("req-1")
	msg.RequestType = model.RequestTypeWorkflow
	if err := p.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if ch.exchange != "jobs" || ch.key != RoutingKeyWorkflow {
		t.Errorf("published to %s/%s", ch.exchange, ch.key)
	}
	if ch.msg.Headers[headerRequestType] != "WORKFLOW" {
		t.Errorf("missing requestType header: %v", ch.msg.Headers)
	}
	if ch.msg.MessageId == "" || ch.msg.CorrelationId != "req-1" {
		t.Errorf("unexpected ids: message=%q correlation=%q", ch.msg.MessageId, ch.msg.CorrelationId)
	}
	decoded, err := model.DecodeJobMessage(ch.msg.Body)
	if err != nil || decoded.RequestID != "req-1" {
		t.Fatalf("body did not round-trip: %v %+v", err, decoded)
	}
}

func TestRabbitPublisher_WrapsPublishError(t *testing.T) {
	ch := &fakeChannel{err: amqp.ErrClosed}
	p := &RabbitPublisher{channel: ch, exchange: "jobs"}

	err := p.Enqueue(context.Background(), directMessage("req-1"))
	if !errors.Is(err, amqp.ErrClosed) {
		t.Fatalf("expected wrapped ErrClosed, got %v", err)
	}
}

type fakeAck struct {
	acked, nacked bool
	requeue       bool
}

func (f *fakeAck) Ack(tag uint64, multiple bool) error { f.acked = true; return nil }
func (f *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked, f.requeue = true, requeue
	return nil
}
func (f *fakeAck) Reject(tag uint64, requeue bool) error { return nil }

func delivery(t *testing.T, ack *fakeAck, msg *model.JobMessage, redelivered bool) amqp.Delivery {
	t.Helper()
	body := []byte("garbage")
	if msg != nil {
		body, _ = msg.Encode()
	}
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body, Redelivered: redelivered}
}

func TestAsynqErrorHandler_ClosesOutFinalFailure(t *testing.T) {
	var dropped []string
	drop := func(ctx context.Context, msg *model.JobMessage, cause error) error {
		dropped = append(dropped, msg.RequestID)
		return nil
	}
	h := NewAsynqErrorHandler(drop, zerolog.Nop())

	// outside a running server the task carries no retry budget, so this is its last attempt
	data, _ := directMessage("req-1").Encode()
	h.HandleError(context.Background(), asynq.NewTask(TaskTypeDirect, data), errors.New("store down"))
	h.HandleError(context.Background(), asynq.NewTask(TaskTypeDirect, []byte("{not json")), asynq.SkipRetry)

	if len(dropped) != 1 || dropped[0] != "req-1" {
		t.Fatalf("expected only req-1 closed out, got %v", dropped)
	}
}

func TestHandleDelivery(t *testing.T) {
	failing := func(ctx context.Context, msg *model.JobMessage) error { return errors.New("transient") }
	ok := func(ctx context.Context, msg *model.JobMessage) error { return nil }
	closed := func(ctx context.Context, msg *model.JobMessage, cause error) error { return nil }
	storeDown := func(ctx context.Context, msg *model.JobMessage, cause error) error { return errors.New("store down") }
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name        string
		ctx         context.Context
		msg         *model.JobMessage
		redelivered bool
		handler     Handler
		drop        DropFunc
		wantAck     bool
		wantRequeue bool
		wantDropped bool
	}{
		{"success acks", context.Background(), directMessage("r"), false, ok, closed, true, false, false},
		{"malformed dropped", context.Background(), nil, false, ok, closed, false, false, false},
		{"first failure requeued", context.Background(), directMessage("r"), false, failing, closed, false, true, false},
		{"second failure closes out job", context.Background(), directMessage("r"), true, failing, closed, false, false, true},
		{"close out failure keeps message", context.Background(), directMessage("r"), true, failing, storeDown, false, true, true},
		{"shutdown always requeues", cancelled, directMessage("r"), true, failing, closed, false, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &fakeAck{}
			dropped := false
			drop := func(ctx context.Context, msg *model.JobMessage, cause error) error {
				dropped = true
				return tt.drop(ctx, msg, cause)
			}
			handleDelivery(tt.ctx, delivery(t, ack, tt.msg, tt.redelivered), tt.handler, drop, zerolog.Nop())
			if ack.acked != tt.wantAck {
				t.Errorf("acked=%v want %v", ack.acked, tt.wantAck)
			}
			if !tt.wantAck && (!ack.nacked || ack.requeue != tt.wantRequeue) {
				t.Errorf("nacked=%v requeue=%v want requeue %v", ack.nacked, ack.requeue, tt.wantRequeue)
			}
			if dropped != tt.wantDropped {
				t.Errorf("dropped=%v want %v", dropped, tt.wantDropped)
			}
		})
	}
}

func newWorkflowProcessor(t *testing.T, st store.Store, polls int) *worker.Processor {
	t.Helper()
	engine := client.NewSimulatedEngine(polls)
	mon := worker.NewMonitor(engine, st, worker.MonitorConfig{
		PollInterval:      5 * time.Millisecond,
		MaxPolls:          polls + 10,
		EstimatedDuration: time.Second,
		DescribeAttempts:  1,
		DescribeBaseDelay: time.Millisecond,
	}, zerolog.Nop())
	policy := retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond}
	return worker.NewProcessor(st, &client.EchoCompleter{}, client.NewMemoryStorage(), engine, mon, policy, worker.ProcessorConfig{}, zerolog.Nop())
}

func TestHandleDelivery_ShutdownKeepsRedeliveredWorkflow(t *testing.T) {
	st := store.NewMemoryStore()
	proc := newWorkflowProcessor(t, st, 1000)

	msg := directMessage("wf-1")
	msg.RequestType = model.RequestTypeWorkflow
	msg.Input = model.JobInput{Query: "summarize"}
	if err := st.Create(context.Background(), model.NewJobStatus("wf-1", model.RequestTypeWorkflow, time.Now())); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(30*time.Millisecond, cancel)
	ack := &fakeAck{}
	handleDelivery(ctx, delivery(t, ack, msg, true), proc.Handle, proc.Abandon, zerolog.Nop())

	if ack.acked || !ack.nacked || !ack.requeue {
		t.Fatalf("expected requeue on shutdown, got acked=%v nacked=%v requeue=%v", ack.acked, ack.nacked, ack.requeue)
	}
	js, err := st.Get(context.Background(), "wf-1")
	if err != nil {
		t.Fatal(err)
	}
	if js.Status.Terminal() {
		t.Fatalf("requeued job should stay resumable, got %s", js.Status)
	}
}

func TestHandleDelivery_ExhaustedDeliveryFailsJob(t *testing.T) {
	st := store.NewMemoryStore()
	proc := newWorkflowProcessor(t, st, 0)

	msg := directMessage("wf-2")
	if err := st.Create(context.Background(), model.NewJobStatus("wf-2", model.RequestTypeDirect, time.Now())); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Update(context.Background(), "wf-2", model.ToProcessing(25, "Processing")); err != nil {
		t.Fatal(err)
	}

	failing := func(ctx context.Context, msg *model.JobMessage) error { return errors.New("status store timeout") }
	ack := &fakeAck{}
	handleDelivery(context.Background(), delivery(t, ack, msg, true), failing, proc.Abandon, zerolog.Nop())

	if !ack.nacked || ack.requeue {
		t.Fatalf("expected message dropped, got nacked=%v requeue=%v", ack.nacked, ack.requeue)
	}
	js, err := st.Get(context.Background(), "wf-2")
	if err != nil {
		t.Fatal(err)
	}
	if js.Status != model.StatusFailed || js.Error == nil || js.Error.Name != "DeliveryExhausted" {
		t.Fatalf("expected FAILED DeliveryExhausted, got %s %+v", js.Status, js.Error)
	}
}

func TestInlineQueue_RunsHandlerDetachedFromCaller(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	var ctxErr atomic.Value

	q := NewInlineQueue(context.Background(), func(ctx context.Context, msg *model.JobMessage) error {
		time.Sleep(10 * time.Millisecond)
		if ctx.Err() != nil {
			ctxErr.Store(ctx.Err())
		}
		mu.Lock()
		seen = append(seen, msg.RequestID)
		mu.Unlock()
		return nil
	}, zerolog.Nop())

	reqCtx, cancel := context.WithCancel(context.Background())
	if err := q.Enqueue(reqCtx, directMessage("a")); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(reqCtx, directMessage("b")); err != nil {
		t.Fatal(err)
	}
	cancel()
	q.Wait()

	if len(seen) != 2 {
		t.Fatalf("expected 2 jobs handled, got %v", seen)
	}
	if v := ctxErr.Load(); v != nil {
		t.Fatalf("job context was cancelled with the request: %v", v)
	}
}

func TestInlineQueue_RejectsUnknownType(t *testing.T) {
	q := NewInlineQueue(context.Background(), func(ctx context.Context, msg *model.JobMessage) error { return nil }, zerolog.Nop())
	if err := q.Enqueue(context.Background(), &model.JobMessage{RequestID: "x", RequestType: "BATCH"}); err == nil {
		t.Fatal("expected error")
	}
}
