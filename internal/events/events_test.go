package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/mq"
)

func testEvent(status string) Event {
	return Event{
		Kind:            KindNode,
		PlanExecutionID: uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		NodeExecutionID: "01HZX",
		NodeID:          "build",
		Status:          status,
		At:              time.Unix(100, 0),
	}
}

func TestRecorder_Wraparound(t *testing.T) {
	r := NewRecorder(2)
	ctx := context.Background()

	_ = r.Emit(ctx, testEvent("RUNNING"))
	if got := r.Snapshot(); len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}

	_ = r.Emit(ctx, testEvent("WAITING"))
	_ = r.Emit(ctx, testEvent("SUCCEEDED"))

	got := r.Snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Status != "WAITING" || got[1].Status != "SUCCEEDED" {
		t.Errorf("expected [WAITING SUCCEEDED], got [%s %s]", got[0].Status, got[1].Status)
	}
}

func TestMulti_ContinuesAfterError(t *testing.T) {
	boom := errors.New("boom")
	failing := SinkFunc(func(context.Context, Event) error { return boom })
	rec := NewRecorder(4)

	err := Multi{failing, rec}.Emit(context.Background(), testEvent("FAILED"))
	if !errors.Is(err, boom) {
		t.Errorf("expected joined error to contain boom, got %v", err)
	}
	if len(rec.Snapshot()) != 1 {
		t.Error("second sink should still receive the event")
	}
}

func TestNodeEvent(t *testing.T) {
	plan := &domain.Plan{ID: uuid.New()}
	pe := domain.NewPlanExecution(plan, nil)
	node := &domain.Node{ID: "n1", StepType: "http"}
	ne := domain.NewNodeExecution("ne1", pe.ID, node, pe.Ambiance)
	if err := ne.TransitionTo(domain.StatusRunning, time.Now()); err != nil {
		t.Fatal(err)
	}

	e := NodeEvent(pe, node, ne, domain.StatusQueued)
	if e.Kind != KindNode || e.From != "QUEUED" || e.Status != "RUNNING" {
		t.Errorf("unexpected event: %+v", e)
	}
	if e.StepType != "http" || e.PlanID != plan.ID {
		t.Errorf("unexpected step type or plan id: %+v", e)
	}
}

type fakePublisher struct {
	exchange mq.Exchange
	key      mq.RoutingKey
	msgType  mq.MessageType
	payload  any
}

func (p *fakePublisher) PublishJSON(_ context.Context, exchange mq.Exchange, key mq.RoutingKey, msgType mq.MessageType, payload any) error {
	p.exchange, p.key, p.msgType, p.payload = exchange, key, msgType, payload
	return nil
}

func TestAMQPSink_RoutingKey(t *testing.T) {
	pub := &fakePublisher{}
	if err := NewAMQPSink(pub).Emit(context.Background(), testEvent("FAILED")); err != nil {
		t.Fatal(err)
	}
	if pub.exchange != mq.ExchangeEvents {
		t.Errorf("expected exchange %s, got %s", mq.ExchangeEvents, pub.exchange)
	}
	if pub.key != "node.FAILED" {
		t.Errorf("expected routing key node.FAILED, got %s", pub.key)
	}
	if pub.msgType != mq.MessageTypeEvent {
		t.Errorf("expected message type event, got %s", pub.msgType)
	}
}

// doneToken — уже завершённый paho.Token.
type doneToken struct{ err error }

func (t doneToken) Wait() bool { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

// fakeMQTT реализует только Publish; остальные методы не вызываются.
type fakeMQTT struct {
	paho.Client
	topic   string
	qos     byte
	payload []byte
}

func (c *fakeMQTT) Publish(topic string, qos byte, _ bool, payload interface{}) paho.Token {
	c.topic = topic
	c.qos = qos
	c.payload = payload.([]byte)
	return doneToken{}
}

func TestMQTTSink_Emit(t *testing.T) {
	client := &fakeMQTT{}
	sink := newMQTTSink(client, "")

	e := testEvent("SUCCEEDED")
	if err := sink.Emit(context.Background(), e); err != nil {
		t.Fatal(err)
	}

	want := "relay/events/11111111-1111-1111-1111-111111111111/node/SUCCEEDED"
	if client.topic != want {
		t.Errorf("expected topic %s, got %s", want, client.topic)
	}
	if client.qos != 1 {
		t.Errorf("expected QoS 1, got %d", client.qos)
	}

	var decoded Event
	if err := json.Unmarshal(client.payload, &decoded); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if decoded.NodeID != "build" {
		t.Errorf("expected node id build, got %s", decoded.NodeID)
	}
}

func TestMQTTSink_CanceledContext(t *testing.T) {
	client := &fakeMQTT{}
	sink := newMQTTSink(client, "x")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Emit(ctx, testEvent("RUNNING")); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if client.topic != "" {
		t.Error("nothing should be published")
	}
}
