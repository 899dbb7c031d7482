package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/qiminjie89/dmrelay/internal/protocol"
	"github.com/qiminjie89/dmrelay/pkg/config"
	"github.com/qiminjie89/dmrelay/pkg/logger"
)

// 下游存活探测
const (
	probeText = "ping"
	probeAck  = "pong"
)

// Conn 一个下游订阅者连接。广播经带缓冲的发送队列交给写循环，
// fetcher 的 goroutine 不会直接碰 socket
type Conn struct {
	id      string
	liveID  string
	ws      *websocket.Conn
	manager *Manager
	cfg     *config.DownstreamConfig

	sendCh    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once

	log *zap.Logger
}

// NewConn 创建订阅者连接
func NewConn(ws *websocket.Conn, liveID string, cfg *config.DownstreamConfig, manager *Manager) *Conn {
	id := uuid.New().String()
	return &Conn{
		id:      id,
		liveID:  liveID,
		ws:      ws,
		manager: manager,
		cfg:     cfg,
		sendCh:  make(chan []byte, cfg.SendChSize),
		closeCh: make(chan struct{}),
		log: logger.With(
			zap.String("live_id", liveID),
			zap.String("subscriber_id", id),
		),
	}
}

// ID 实现 Subscriber
func (c *Conn) ID() string {
	return c.id
}

// Send 实现 Subscriber。非阻塞入队，连接已关闭或队列积压时返回错误
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.closeCh:
		return fmt.Errorf("%w: connection closed", protocol.ErrDelivery)
	default:
	}

	select {
	case c.sendCh <- data:
		return nil
	default:
		return fmt.Errorf("%w: send queue full", protocol.ErrDelivery)
	}
}

// Start 启动读写循环
func (c *Conn) Start() {
	go c.readLoop()
	go c.writeLoop()
}

// readLoop 读循环。只处理存活探测，其余入站内容忽略；
// 读失败即认为订阅者离开
func (c *Conn) readLoop() {
	defer func() {
		c.manager.Leave(c, c.liveID)
		c.close("read_exit")
	}()

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.log.Debug("subscriber read ended", zap.Error(err))
			return
		}
		// 探测应答不经过 manager，也不影响 fetcher 状态
		if msgType == websocket.TextMessage && string(data) == probeText {
			c.Send([]byte(probeAck))
		}
	}
}

// writeLoop 写循环，socket 的唯一写者
func (c *Conn) writeLoop() {
	defer c.ws.Close()

	for {
		select {
		case <-c.closeCh:
			return
		case data := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("subscriber write failed", zap.Error(err))
				c.close("write_error")
				return
			}
		}
	}
}

func (c *Conn) close(reason string) {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.ws.Close()
		c.log.Info("subscriber connection closed", zap.String("reason", reason))
	})
}
