package restraint

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/domain"
)

// chanNotifier доставляет уведомления в каналы по correlation ID.
type chanNotifier struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
	seen  []string
}

func newChanNotifier() *chanNotifier {
	return &chanNotifier{chans: make(map[string]chan struct{})}
}

func (n *chanNotifier) channel(id string) chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.chans[id]
	if !ok {
		ch = make(chan struct{}, 1)
		n.chans[id] = ch
	}
	return ch
}

func (n *chanNotifier) Notify(msg *domain.Notification) bool {
	n.mu.Lock()
	n.seen = append(n.seen, msg.CorrelationID)
	n.mu.Unlock()
	n.channel(msg.CorrelationID) <- struct{}{}
	return true
}

func (n *chanNotifier) notified(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.seen {
		if s == id {
			return true
		}
	}
	return false
}

func newService(t *testing.T, capacity int) (*Service, *MemoryStore, *chanNotifier) {
	t.Helper()
	store := NewMemoryStore()
	notifier := newChanNotifier()
	svc := New(Config{Store: store, Notifier: notifier})
	if err := svc.DefineResource(context.Background(), "deploy/prod", capacity); err != nil {
		t.Fatalf("DefineResource: %v", err)
	}
	return svc, store, notifier
}

func request(requester string) Request {
	return Request{
		ResourceKey:     "deploy/prod",
		Scope:           domain.ScopeParent,
		ReleaseEntityID: requester,
		RequesterID:     requester,
		CorrelationID:   "corr-" + requester,
		Weight:          1,
	}
}

// Ёмкость 1, две заявки: одна ACTIVE, другая BLOCKED; освобождение
// первой продвигает вторую.
func TestAcquire_CapacityOnePromotesOnRelease(t *testing.T) {
	svc, _, notifier := newService(t, 1)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*domain.RestraintInstance, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := svc.Acquire(ctx, request(fmt.Sprintf("ne-%d", i)))
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			results[i] = inst
		}(i)
	}
	wg.Wait()

	var active, blocked *domain.RestraintInstance
	for _, r := range results {
		switch r.State {
		case domain.RestraintActive:
			active = r
		case domain.RestraintBlocked:
			blocked = r
		}
	}
	if active == nil || blocked == nil {
		t.Fatalf("expected one ACTIVE and one BLOCKED, got %s and %s", results[0].State, results[1].State)
	}
	if notifier.notified(blocked.CorrelationID) {
		t.Fatal("blocked requester must not be notified before release")
	}

	if err := svc.ReleaseByEntity(ctx, active.ReleaseEntityID); err != nil {
		t.Fatalf("ReleaseByEntity: %v", err)
	}

	select {
	case <-notifier.channel(blocked.CorrelationID):
	case <-time.After(time.Second):
		t.Fatal("blocked requester was not promoted")
	}

	weight, _ := svc.ActiveWeight(ctx, "deploy/prod")
	if weight != 1 {
		t.Errorf("ActiveWeight = %d, want 1", weight)
	}
}

func TestAcquire_Idempotent(t *testing.T) {
	svc, _, _ := newService(t, 2)
	ctx := context.Background()

	first, _ := svc.Acquire(ctx, request("ne-1"))
	second, err := svc.Acquire(ctx, request("ne-1"))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if first.ID != second.ID {
		t.Error("repeated acquire should return the existing instance")
	}
	if w, _ := svc.ActiveWeight(ctx, "deploy/prod"); w != 1 {
		t.Errorf("ActiveWeight = %d, want 1", w)
	}
}

func TestAcquire_InvalidWeightAndUnknownResource(t *testing.T) {
	svc, _, _ := newService(t, 2)
	ctx := context.Background()

	req := request("ne-1")
	req.Weight = 3
	if _, err := svc.Acquire(ctx, req); !errors.Is(err, ErrInvalidWeight) {
		t.Errorf("expected ErrInvalidWeight, got %v", err)
	}

	req = request("ne-2")
	req.ResourceKey = "db/migrations"
	if _, err := svc.Acquire(ctx, req); !errors.Is(err, ErrResourceNotFound) {
		t.Errorf("expected ErrResourceNotFound, got %v", err)
	}
}

// Очередь продвигается по OrderingKey, а непоместившаяся голова
// блокирует остальных.
func TestRelease_OrderingAndHeadOfLine(t *testing.T) {
	svc, _, notifier := newService(t, 2)
	ctx := context.Background()

	holder := request("holder")
	holder.Weight = 2
	if _, err := svc.Acquire(ctx, holder); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	heavy := request("heavy")
	heavy.Weight = 2
	heavy.OrderingKey = 1
	light := request("light")
	light.OrderingKey = 2
	late := request("late")
	late.OrderingKey = 3

	for _, r := range []Request{late, light, heavy} {
		inst, err := svc.Acquire(ctx, r)
		if err != nil || inst.State != domain.RestraintBlocked {
			t.Fatalf("%s: expected BLOCKED, got %v %v", r.RequesterID, inst, err)
		}
	}

	_ = svc.ReleaseByEntity(ctx, "holder")
	// heavy занимает всю ёмкость, light и late ждут
	if !notifier.notified("corr-heavy") || notifier.notified("corr-light") {
		t.Fatal("expected only heavy to be promoted")
	}

	_ = svc.ReleaseByEntity(ctx, "heavy")
	// Каскад: light и late помещаются вместе
	if !notifier.notified("corr-light") || !notifier.notified("corr-late") {
		t.Error("expected light and late to be promoted in cascade")
	}
}

// Ключ по умолчанию — обычный приоритет 0: заявка с ключом 5 уступает
// ему даже при более ранней подаче, а равные ключи идут в порядке подачи.
func TestRelease_DefaultKeyIsPriorityZero(t *testing.T) {
	svc, _, notifier := newService(t, 1)
	ctx := context.Background()

	if _, err := svc.Acquire(ctx, request("holder")); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	deferred := request("deferred")
	deferred.OrderingKey = 5
	for _, r := range []Request{deferred, request("first"), request("second")} {
		if _, err := svc.Acquire(ctx, r); err != nil {
			t.Fatalf("Acquire %s: %v", r.RequesterID, err)
		}
		time.Sleep(time.Millisecond)
	}

	want := []string{"first", "second", "deferred"}
	prev := "holder"
	for _, next := range want {
		if err := svc.ReleaseByEntity(ctx, prev); err != nil {
			t.Fatalf("ReleaseByEntity %s: %v", prev, err)
		}
		for _, other := range want {
			promoted := notifier.notified("corr-" + other)
			shouldBe := other == next || indexOf(want, other) < indexOf(want, next)
			if promoted != shouldBe {
				t.Fatalf("after releasing %s: %s promoted = %v, want %v", prev, other, promoted, shouldBe)
			}
		}
		prev = next
	}
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

// Заявки завершённых сущностей освобождаются, живых остаются.
func TestReleaseOrphans(t *testing.T) {
	svc, store, notifier := newService(t, 2)
	ctx := context.Background()

	finished, _ := svc.Acquire(ctx, request("finished"))
	alive, _ := svc.Acquire(ctx, request("alive"))
	waiting, _ := svc.Acquire(ctx, request("waiting"))
	if waiting.State != domain.RestraintBlocked {
		t.Fatalf("waiting = %s, want BLOCKED", waiting.State)
	}

	released, err := svc.ReleaseOrphans(ctx, func(_ context.Context, id string) (bool, error) {
		if id == "waiting" {
			return false, errors.New("lookup failed")
		}
		return id == "finished", nil
	})
	if err != nil {
		t.Fatalf("ReleaseOrphans: %v", err)
	}
	if released != 1 {
		t.Errorf("released = %d, want 1", released)
	}

	if got, _ := store.Instance(finished.ID); got.State != domain.RestraintFinished {
		t.Errorf("finished holder = %s, want FINISHED", got.State)
	}
	if got, _ := store.Instance(alive.ID); got.State != domain.RestraintActive {
		t.Errorf("alive holder = %s, want ACTIVE", got.State)
	}
	if !notifier.notified("corr-waiting") {
		t.Error("freed capacity should promote the blocked requester")
	}
}

func TestCancel_BlockedRequester(t *testing.T) {
	svc, store, notifier := newService(t, 1)
	ctx := context.Background()

	_, _ = svc.Acquire(ctx, request("ne-1"))
	blocked, _ := svc.Acquire(ctx, request("ne-2"))

	if err := svc.Cancel(ctx, "ne-2"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := store.Instance(blocked.ID)
	if got.State != domain.RestraintFinished {
		t.Errorf("state = %s, want FINISHED", got.State)
	}

	_ = svc.ReleaseByEntity(ctx, "ne-1")
	if notifier.notified("corr-ne-2") {
		t.Error("cancelled requester must not be promoted")
	}
	if w, _ := svc.ActiveWeight(ctx, "deploy/prod"); w != 0 {
		t.Errorf("ActiveWeight = %d, want 0", w)
	}
}

func TestAcquire_DetectsOverCapacity(t *testing.T) {
	svc, store, _ := newService(t, 1)
	ctx := context.Background()

	// Портим состояние в обход сервиса
	_ = store.Atomically(ctx, "deploy/prod", func(ctx context.Context, tx Tx) error {
		for i := 0; i < 2; i++ {
			_ = tx.Save(ctx, &domain.RestraintInstance{
				ID:          uuid.New(),
				ResourceKey: "deploy/prod",
				RequesterID: fmt.Sprintf("rogue-%d", i),
				Weight:      1,
				State:       domain.RestraintActive,
				CreatedAt:   time.Now(),
			})
		}
		return nil
	})

	if _, err := svc.Acquire(ctx, request("ne-1")); !errors.Is(err, ErrOverCapacity) {
		t.Errorf("expected ErrOverCapacity, got %v", err)
	}
}

// Случайные конкурентные заявки и освобождения: сумма весов
// активных держателей никогда не превышает ёмкость.
func TestCapacityInvariant_ConcurrentFuzz(t *testing.T) {
	const capacity = 3
	svc, _, notifier := newService(t, capacity)
	ctx := context.Background()

	var holding atomic.Int64
	var violations atomic.Int64
	rng := rand.New(rand.NewSource(42))

	weights := make([]int, 60)
	for i := range weights {
		weights[i] = 1 + rng.Intn(2)
	}

	var wg sync.WaitGroup
	for i, w := range weights {
		wg.Add(1)
		go func(i, w int) {
			defer wg.Done()
			id := fmt.Sprintf("ne-%d", i)
			req := request(id)
			req.Weight = w

			inst, err := svc.Acquire(ctx, req)
			if err != nil {
				t.Errorf("Acquire %s: %v", id, err)
				return
			}
			if inst.State == domain.RestraintBlocked {
				select {
				case <-notifier.channel(req.CorrelationID):
				case <-time.After(5 * time.Second):
					t.Errorf("%s was never promoted", id)
					return
				}
			}

			if now := holding.Add(int64(w)); now > capacity {
				violations.Add(1)
			}
			time.Sleep(time.Duration(i%3) * time.Millisecond)
			holding.Add(-int64(w))

			if err := svc.ReleaseByEntity(ctx, id); err != nil {
				t.Errorf("Release %s: %v", id, err)
			}
		}(i, w)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			if w, _ := svc.ActiveWeight(ctx, "deploy/prod"); w > capacity {
				violations.Add(1)
			}
		}
	}()

	wg.Wait()
	close(done)

	if v := violations.Load(); v != 0 {
		t.Errorf("capacity invariant violated %d times", v)
	}
	if w, _ := svc.ActiveWeight(ctx, "deploy/prod"); w != 0 {
		t.Errorf("ActiveWeight after all releases = %d, want 0", w)
	}
}
