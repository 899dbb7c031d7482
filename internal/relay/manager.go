package relay

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qiminjie89/dmrelay/internal/fetcher"
	"github.com/qiminjie89/dmrelay/internal/protocol"
	"github.com/qiminjie89/dmrelay/pkg/kafka"
	"github.com/qiminjie89/dmrelay/pkg/logger"
	"github.com/qiminjie89/dmrelay/pkg/metrics"
)

// 固定下行文本
const (
	// SentinelLiving 上游连接建立
	SentinelLiving = "LIVING"
	// SentinelDisconnected 上游重连放弃，房间不会再有事件
	SentinelDisconnected = "DISCONNECTED"
)

// ChatRecord 发给订阅者的聊天记录
type ChatRecord struct {
	MsgID         string   `json:"msgId"`
	DyMsgID       string   `json:"dyMsgId"`
	DanmuUserID   string   `json:"danmuUserId"`
	DanmuUserName string   `json:"danmuUserName"`
	DanmuContent  string   `json:"danmuContent"`
	DyRoomID      string   `json:"dyRoomId"`
	OrderNumber   string   `json:"orderNumber,omitempty"`
	BlackLevel    int      `json:"blackLevel"`
	CreatedUsers  []string `json:"createdUsers"`
}

// Subscriber 下游订阅者
type Subscriber interface {
	ID() string
	// Send 投递一条下行消息。入队失败（连接已关闭或积压）返回错误，
	// 由 Manager 将该订阅者移出房间
	Send(data []byte) error
}

// RoomFetcher 上游协议客户端
type RoomFetcher interface {
	Start(onEvent fetcher.EventHandler)
	Stop()
}

// FetcherFactory 按 live_id 创建 fetcher
type FetcherFactory func(liveID string) RoomFetcher

// Manager 维护 live_id → (一个 fetcher, 订阅者集合) 的映射。
// 首个订阅者加入时惰性创建 fetcher，最后一个离开时销毁
type Manager struct {
	mu    sync.Mutex
	rooms map[string]*room

	newFetcher FetcherFactory
	enricher   *Enricher
	mirror     *kafka.Producer // 可选的 Kafka 消息镜像
}

type room struct {
	fetcher RoomFetcher
	subs    map[string]Subscriber
}

// NewManager 创建 Manager。mirror 为 nil 时不做镜像
func NewManager(newFetcher FetcherFactory, enricher *Enricher, mirror *kafka.Producer) *Manager {
	return &Manager{
		rooms:      make(map[string]*room),
		newFetcher: newFetcher,
		enricher:   enricher,
		mirror:     mirror,
	}
}

// Join 将订阅者加入房间。房间没有 fetcher 时创建并启动一个；
// 并发 Join 同一房间只会创建一个 fetcher
func (m *Manager) Join(sub Subscriber, liveID string) {
	m.mu.Lock()
	rm, ok := m.rooms[liveID]
	if !ok {
		rm = &room{
			fetcher: m.newFetcher(liveID),
			subs:    make(map[string]Subscriber),
		}
		m.rooms[liveID] = rm
		// Start 只派生 goroutine，不会在锁内阻塞
		rm.fetcher.Start(func(ev protocol.Event) {
			m.handleEvent(liveID, ev)
		})
		metrics.FetcherRooms.Inc()
	}
	rm.subs[sub.ID()] = sub
	count := len(rm.subs)
	m.mu.Unlock()

	metrics.RelaySubscribers.Inc()
	metrics.RelayRoomSubscribers.WithLabelValues(liveID).Set(float64(count))

	logger.Info("subscriber joined",
		zap.String("live_id", liveID),
		zap.String("subscriber_id", sub.ID()),
		zap.Int("room_subscribers", count),
	)
}

// Leave 将订阅者移出房间。集合清空时停掉 fetcher 并删除房间条目；
// 并发 Leave 下 fetcher 只会被 Stop 一次（条目删除在锁内完成）
func (m *Manager) Leave(sub Subscriber, liveID string) {
	m.mu.Lock()
	rm, ok := m.rooms[liveID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, ok := rm.subs[sub.ID()]; !ok {
		m.mu.Unlock()
		return
	}
	delete(rm.subs, sub.ID())
	count := len(rm.subs)

	var toStop RoomFetcher
	if count == 0 {
		toStop = rm.fetcher
		delete(m.rooms, liveID)
	}
	m.mu.Unlock()

	metrics.RelaySubscribers.Dec()
	metrics.RelayRoomSubscribers.WithLabelValues(liveID).Set(float64(count))

	logger.Info("subscriber left",
		zap.String("live_id", liveID),
		zap.String("subscriber_id", sub.ID()),
	)

	if toStop != nil {
		toStop.Stop()
		metrics.FetcherRooms.Dec()
		logger.Info("room empty, fetcher stopped", zap.String("live_id", liveID))
	}
}

// Stats 当前房间数和订阅者总数
func (m *Manager) Stats() (rooms, subscribers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rm := range m.rooms {
		subscribers += len(rm.subs)
	}
	return len(m.rooms), subscribers
}

// handleEvent fetcher 回调入口，把域事件规范化成下行格式后广播。
// 跑在 fetcher 的 goroutine 上，实际投递经订阅者的发送队列完成
func (m *Manager) handleEvent(liveID string, ev protocol.Event) {
	switch ev := ev.(type) {
	case protocol.ConnectEvent:
		m.broadcast(liveID, []byte(SentinelLiving), "connect")

	case protocol.ChatEvent:
		rec := m.buildChatRecord(liveID, ev)
		data, err := json.Marshal(rec)
		if err != nil {
			logger.Error("marshal chat record failed", zap.Error(err))
			return
		}
		m.broadcast(liveID, data, "chat")
		m.mirrorChat(liveID, data)

	case protocol.ControlEvent:
		m.broadcast(liveID, []byte(strconv.FormatInt(ev.Status, 10)), "control")

	case protocol.RoomEvent:
		logger.Debug("room message",
			zap.String("live_id", liveID),
			zap.Int64("room_id", ev.RoomID),
		)

	case protocol.DisconnectEvent:
		m.broadcast(liveID, []byte(SentinelDisconnected), "disconnect")
	}
}

// broadcast 把消息投递给房间的每个订阅者。快照在锁内取，
// 投递在锁外做；单个订阅者失败只移除它自己
func (m *Manager) broadcast(liveID string, data []byte, eventType string) {
	m.mu.Lock()
	rm, ok := m.rooms[liveID]
	if !ok {
		m.mu.Unlock()
		return
	}
	subs := make([]Subscriber, 0, len(rm.subs))
	for _, s := range rm.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		if err := s.Send(data); err != nil {
			metrics.RelayDeliveryFailures.Inc()
			logger.Warn("delivery failed, evicting subscriber",
				zap.String("live_id", liveID),
				zap.String("subscriber_id", s.ID()),
				zap.Error(err),
			)
			m.Leave(s, liveID)
			continue
		}
		metrics.RelayEventsSent.WithLabelValues(eventType).Inc()
	}
}

func (m *Manager) buildChatRecord(liveID string, ev protocol.ChatEvent) *ChatRecord {
	userID := strconv.FormatUint(ev.UserID, 10)

	rec := &ChatRecord{
		MsgID:         uuid.New().String(),
		DyMsgID:       strconv.FormatInt(ev.MsgID, 10),
		DanmuUserID:   userID,
		DanmuUserName: ev.UserName,
		DanmuContent:  ev.Content,
		DyRoomID:      liveID,
		CreatedUsers:  []string{},
	}

	if tag := m.enricher.LookupTag(liveID, userID); tag != nil {
		rec.OrderNumber = tag.OrderNumber
	}
	black := m.enricher.LookupBlacklist(userID)
	rec.BlackLevel = black.BlackLevel
	rec.CreatedUsers = black.CreatedUsers

	return rec
}

// mirrorChat 异步镜像聊天记录到 Kafka，失败只计数
func (m *Manager) mirrorChat(liveID string, data []byte) {
	if m.mirror == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := m.mirror.Send(ctx, []byte(liveID), data); err != nil {
			metrics.MirrorFailures.Inc()
			return
		}
		metrics.MirrorMessages.Inc()
	}()
}
