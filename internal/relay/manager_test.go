package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qiminjie89/dmrelay/internal/fetcher"
	"github.com/qiminjie89/dmrelay/internal/protocol"
)

type fakeFetcher struct {
	mu      sync.Mutex
	onEvent fetcher.EventHandler
	starts  int
	stops   int
}

func (f *fakeFetcher) Start(h fetcher.EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.onEvent = h
}

func (f *fakeFetcher) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeFetcher) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// emit 模拟 fetcher goroutine 上的事件回调
func (f *fakeFetcher) emit(ev protocol.Event) {
	f.mu.Lock()
	h := f.onEvent
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

type fakeSub struct {
	id   string
	fail bool

	mu   sync.Mutex
	msgs []string
}

func (s *fakeSub) ID() string { return s.id }

func (s *fakeSub) Send(data []byte) error {
	if s.fail {
		return fmt.Errorf("%w: queue full", protocol.ErrDelivery)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, string(data))
	return nil
}

func (s *fakeSub) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

type fakeStore struct {
	data map[string]string
}

func (s *fakeStore) Get(_ context.Context, key string) (string, error) {
	return s.data[key], nil
}

func newTestManager(store Store) (*Manager, *fakeFetcher, *atomic.Int32) {
	ff := &fakeFetcher{}
	var created atomic.Int32
	m := NewManager(func(liveID string) RoomFetcher {
		created.Add(1)
		return ff
	}, NewEnricher(store, "fs", time.Second), nil)
	return m, ff, &created
}

func TestConcurrentJoinSingleFetcher(t *testing.T) {
	m, _, created := newTestManager(nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Join(&fakeSub{id: fmt.Sprintf("sub-%d", i)}, "123")
		}(i)
	}
	wg.Wait()

	if n := created.Load(); n != 1 {
		t.Errorf("fetchers created = %d, want 1", n)
	}
	rooms, subs := m.Stats()
	if rooms != 1 || subs != 16 {
		t.Errorf("stats = (%d rooms, %d subs), want (1, 16)", rooms, subs)
	}
}

func TestConcurrentLeaveStopsFetcherOnce(t *testing.T) {
	m, ff, _ := newTestManager(nil)

	subs := make([]*fakeSub, 8)
	for i := range subs {
		subs[i] = &fakeSub{id: fmt.Sprintf("sub-%d", i)}
		m.Join(subs[i], "123")
	}

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s *fakeSub) {
			defer wg.Done()
			m.Leave(s, "123")
		}(s)
	}
	wg.Wait()

	if n := ff.stopCount(); n != 1 {
		t.Errorf("fetcher stopped %d times, want exactly 1", n)
	}
	if rooms, _ := m.Stats(); rooms != 0 {
		t.Errorf("rooms = %d, want 0 (entry removed with last subscriber)", rooms)
	}
}

func TestBroadcastIsolation(t *testing.T) {
	m, ff, _ := newTestManager(nil)

	good1 := &fakeSub{id: "good-1"}
	bad := &fakeSub{id: "bad", fail: true}
	good2 := &fakeSub{id: "good-2"}
	m.Join(good1, "123")
	m.Join(bad, "123")
	m.Join(good2, "123")

	ff.emit(protocol.ConnectEvent{})

	for _, s := range []*fakeSub{good1, good2} {
		got := s.received()
		if len(got) != 1 || got[0] != SentinelLiving {
			t.Errorf("%s received %v, want [LIVING]", s.id, got)
		}
	}

	// 失败的订阅者被移出，其他人不受影响
	_, subs := m.Stats()
	if subs != 2 {
		t.Errorf("subscribers = %d, want 2 after evicting the failing one", subs)
	}

	ff.emit(protocol.ControlEvent{Status: 2})
	for _, s := range []*fakeSub{good1, good2} {
		got := s.received()
		if len(got) != 2 || got[1] != "2" {
			t.Errorf("%s received %v, want second message \"2\"", s.id, got)
		}
	}
}

func TestChatRecordDelivery(t *testing.T) {
	m, ff, _ := newTestManager(nil)

	sub := &fakeSub{id: "a"}
	m.Join(sub, "123")

	ff.emit(protocol.ConnectEvent{})
	ff.emit(protocol.ChatEvent{UserID: 1, UserName: "u1", Content: "hi", MsgID: 555, RoomID: 261378947940})

	got := sub.received()
	if len(got) != 2 {
		t.Fatalf("received %d messages, want 2", len(got))
	}
	if got[0] != SentinelLiving {
		t.Errorf("first message = %q, want LIVING", got[0])
	}

	var rec ChatRecord
	if err := json.Unmarshal([]byte(got[1]), &rec); err != nil {
		t.Fatalf("chat record is not JSON: %v", err)
	}
	if rec.DanmuUserID != "1" {
		t.Errorf("danmuUserId = %q, want 1", rec.DanmuUserID)
	}
	if rec.DanmuUserName != "u1" {
		t.Errorf("danmuUserName = %q, want u1", rec.DanmuUserName)
	}
	if rec.DanmuContent != "hi" {
		t.Errorf("danmuContent = %q, want hi", rec.DanmuContent)
	}
	if rec.DyRoomID != "123" {
		t.Errorf("dyRoomId = %q, want 123", rec.DyRoomID)
	}
	if rec.DyMsgID != "555" {
		t.Errorf("dyMsgId = %q, want 555", rec.DyMsgID)
	}
	if rec.MsgID == "" {
		t.Error("msgId should be generated")
	}
	// 没有黑名单记录时取默认值，不报错
	if rec.BlackLevel != 0 {
		t.Errorf("blackLevel = %d, want 0", rec.BlackLevel)
	}
	if rec.CreatedUsers == nil || len(rec.CreatedUsers) != 0 {
		t.Errorf("createdUsers = %v, want empty list", rec.CreatedUsers)
	}
}

func TestChatRecordEnriched(t *testing.T) {
	// 标签记录是双层 JSON 编码
	inner := `{"orderNameId":"n1","orderNumber":"A-17"}`
	outer, _ := json.Marshal(inner)

	store := &fakeStore{data: map[string]string{
		"orderUser:fs:123:1": string(outer),
		"black:1":            `{"orderNameId":"n1","blackLevel":2,"createdUsers":["java.util.ArrayList",["u-a","u-b"]]}`,
	}}
	m, ff, _ := newTestManager(store)

	sub := &fakeSub{id: "a"}
	m.Join(sub, "123")
	ff.emit(protocol.ChatEvent{UserID: 1, UserName: "u1", Content: "hi"})

	got := sub.received()
	if len(got) != 1 {
		t.Fatalf("received %d messages, want 1", len(got))
	}
	var rec ChatRecord
	if err := json.Unmarshal([]byte(got[0]), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.OrderNumber != "A-17" {
		t.Errorf("orderNumber = %q, want A-17", rec.OrderNumber)
	}
	if rec.BlackLevel != 2 {
		t.Errorf("blackLevel = %d, want 2", rec.BlackLevel)
	}
	if len(rec.CreatedUsers) != 2 || rec.CreatedUsers[0] != "u-a" {
		t.Errorf("createdUsers = %v, want [u-a u-b]", rec.CreatedUsers)
	}
}

func TestDisconnectSentinel(t *testing.T) {
	m, ff, _ := newTestManager(nil)

	sub := &fakeSub{id: "a"}
	m.Join(sub, "123")
	ff.emit(protocol.DisconnectEvent{})

	got := sub.received()
	if len(got) != 1 || got[0] != SentinelDisconnected {
		t.Errorf("received %v, want [DISCONNECTED]", got)
	}
}
