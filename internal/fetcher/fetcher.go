package fetcher

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/qiminjie89/dmrelay/internal/protocol"
	"github.com/qiminjie89/dmrelay/pkg/config"
	"github.com/qiminjie89/dmrelay/pkg/logger"
	"github.com/qiminjie89/dmrelay/pkg/metrics"
)

// EventHandler 接收解码后的域事件。在 fetcher 的 goroutine 上被调用
type EventHandler func(ev protocol.Event)

// Fetcher 持有一个直播间的上游 WebSocket 连接，
// 负责握手、收帧、心跳和断线重连。
// 一个实例只服务一次 Start/Stop 生命周期
type Fetcher struct {
	liveID       string
	cfg          *config.UpstreamConfig
	resolver     *Resolver
	signer       Signer
	userUniqueID string

	onEvent EventHandler

	conn    *websocket.Conn
	connMu  sync.Mutex // 保护 conn 句柄
	writeMu sync.Mutex // 心跳和 ack 都会写 socket，串行化写路径

	// 终态标志，置位后不再重连
	closed atomic.Bool

	log *zap.Logger
}

// New 创建 Fetcher
func New(liveID string, cfg *config.UpstreamConfig, signer Signer) *Fetcher {
	return &Fetcher{
		liveID:       liveID,
		cfg:          cfg,
		resolver:     NewResolver(cfg.LiveURL, cfg.UserAgent),
		signer:       signer,
		userUniqueID: randomDigits(19),
		log:          logger.With(zap.String("live_id", liveID)),
	}
}

// Start 在独立 goroutine 上启动连接循环，不阻塞调用方
func (f *Fetcher) Start(onEvent EventHandler) {
	f.onEvent = onEvent
	go f.run()
}

// Stop 置终态并关闭 socket，幂等。
// 置位后在途的读/心跳在下一次检查时退出，不再重连
func (f *Fetcher) Stop() {
	if f.closed.Swap(true) {
		return
	}

	f.connMu.Lock()
	if f.conn != nil {
		f.conn.Close()
	}
	f.connMu.Unlock()

	f.log.Info("fetcher stopped")
}

// Closed 是否已进入终态
func (f *Fetcher) Closed() bool {
	return f.closed.Load()
}

// run 连接循环：握手 → 收帧，失败后等固定间隔重连。
// 连接建立成功会重置失败计数
func (f *Fetcher) run() {
	failures := 0
	for !f.closed.Load() {
		connected, err := f.session()
		if f.closed.Load() {
			return
		}
		if err != nil {
			f.log.Warn("upstream session ended", zap.Error(err))
		}
		if connected {
			failures = 0
		} else {
			failures++
		}

		if f.cfg.MaxReconnects > 0 && failures > f.cfg.MaxReconnects {
			f.log.Error("reconnect limit reached, giving up",
				zap.Int("max_reconnects", f.cfg.MaxReconnects),
			)
			f.emit(protocol.DisconnectEvent{})
			f.closed.Store(true)
			return
		}

		metrics.FetcherReconnects.WithLabelValues(f.liveID).Inc()
		time.Sleep(f.cfg.ReconnectInterval)
	}
}

// session 完成一次握手并驱动读循环直到连接结束。
// 返回本次是否成功建立过连接
func (f *Fetcher) session() (bool, error) {
	ctx := context.Background()

	ttwid, err := f.resolver.SessionToken(ctx)
	if err != nil {
		return false, err
	}
	roomID, err := f.resolver.RoomID(ctx, f.liveID)
	if err != nil {
		return false, err
	}

	// URL 的易变字段（cursor、internal_ext）每次连接都不同，签名随之重新计算
	wssURL, err := f.buildWsURL(roomID)
	if err != nil {
		return false, err
	}

	header := http.Header{}
	header.Set("Cookie", "ttwid="+ttwid)
	header.Set("User-Agent", f.cfg.UserAgent)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(wssURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return false, fmt.Errorf("%w: dial: %v", protocol.ErrTransport, err)
	}

	f.connMu.Lock()
	if f.closed.Load() {
		f.connMu.Unlock()
		conn.Close()
		return true, nil
	}
	f.conn = conn
	f.connMu.Unlock()

	f.log.Info("upstream connected", zap.String("room_id", roomID))
	f.emit(protocol.ConnectEvent{})

	hbStop := make(chan struct{})
	go f.heartbeatLoop(conn, hbStop)

	err = f.readLoop(conn)
	close(hbStop)

	f.connMu.Lock()
	f.conn = nil
	f.connMu.Unlock()
	conn.Close()

	// 断开后查一次开播状态，仅做记录
	statusCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if st, serr := f.resolver.QueryRoomStatus(statusCtx, f.liveID); serr == nil {
		f.log.Info("room status after disconnect",
			zap.Int("status", st.Status),
			zap.String("anchor", st.AnchorName),
		)
	}
	cancel()

	return true, err
}

// readLoop 读循环，是解码状态的唯一写者
func (f *Fetcher) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if f.closed.Load() {
				return nil
			}
			return fmt.Errorf("%w: read: %v", protocol.ErrTransport, err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		metrics.FetcherFramesReceived.Inc()
		f.handleFrame(conn, data)

		if f.closed.Load() {
			return nil
		}
	}
}

// handleFrame 处理一个下行帧。解码失败只丢弃该帧，连接继续
func (f *Fetcher) handleFrame(conn *websocket.Conn, data []byte) {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		metrics.FetcherDecodeErrors.Inc()
		f.log.Warn("drop undecodable frame", zap.Error(err))
		return
	}
	if frame.PayloadType != protocol.PayloadTypeMsg {
		return
	}

	raw, err := protocol.DecompressPayload(frame.Payload)
	if err != nil {
		metrics.FetcherDecodeErrors.Inc()
		f.log.Warn("drop frame with bad payload", zap.Uint64("log_id", frame.LogID), zap.Error(err))
		return
	}

	resp, err := protocol.DecodeResponse(raw)
	if err != nil {
		metrics.FetcherDecodeErrors.Inc()
		f.log.Warn("drop undecodable batch", zap.Uint64("log_id", frame.LogID), zap.Error(err))
		return
	}

	// 服务端要求确认时，先带原样 internalExt 回 ack 再处理消息
	if resp.NeedAck {
		ack := protocol.EncodeFrame(&protocol.Frame{
			LogID:       frame.LogID,
			PayloadType: protocol.PayloadTypeAck,
			Payload:     []byte(resp.InternalExt),
		})
		if err := f.send(conn, ack); err != nil {
			f.log.Warn("ack send failed", zap.Error(err))
		}
	}

	for _, msg := range resp.Messages {
		ev, err := protocol.DecodeEvent(msg.Method, msg.Payload)
		if err != nil {
			metrics.FetcherDecodeErrors.Inc()
			f.log.Debug("drop undecodable message", zap.String("method", msg.Method), zap.Error(err))
			continue
		}
		if ev == nil {
			continue
		}

		metrics.FetcherMessages.WithLabelValues(msg.Method).Inc()
		f.emit(ev)

		// 直播结束：事件先送达订阅者，然后正常停机
		if ce, ok := ev.(protocol.ControlEvent); ok && ce.Status == protocol.ControlStatusEnded {
			f.log.Info("live ended, stopping fetcher")
			f.Stop()
			return
		}
	}
}

// heartbeatLoop 心跳循环。发送失败只结束自身，
// 读路径会观察到连接失败
func (f *Fetcher) heartbeatLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(f.cfg.HeartbeatInterval)
	defer ticker.Stop()

	hb := protocol.EncodeFrame(&protocol.Frame{PayloadType: protocol.PayloadTypeHeartbeat})
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if f.closed.Load() {
				return
			}
			if err := f.send(conn, hb); err != nil {
				f.log.Warn("heartbeat send failed", zap.Error(err))
				return
			}
			metrics.FetcherHeartbeats.Inc()
		}
	}
}

func (f *Fetcher) send(conn *websocket.Conn, data []byte) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// emit 调用事件回调。单条消息的处理异常不影响批次内后续消息
func (f *Fetcher) emit(ev protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("event handler panic", zap.Any("panic", r))
		}
	}()
	if f.onEvent != nil {
		f.onEvent(ev)
	}
}

// buildWsURL 构造带签名的推送地址
func (f *Fetcher) buildWsURL(roomID string) (string, error) {
	now := time.Now().UnixMilli()

	q := url.Values{}
	q.Set("app_name", "douyin_web")
	q.Set("version_code", "180800")
	q.Set("webcast_sdk_version", "1.0.14-beta.0")
	q.Set("update_version_code", "1.0.14-beta.0")
	q.Set("compress", "gzip")
	q.Set("device_platform", "web")
	q.Set("cookie_enabled", "true")
	q.Set("screen_width", "1536")
	q.Set("screen_height", "864")
	q.Set("browser_language", "zh-CN")
	q.Set("browser_platform", "Win32")
	q.Set("browser_name", "Mozilla")
	q.Set("browser_version", "5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
	q.Set("browser_online", "true")
	q.Set("tz_name", "Asia/Shanghai")
	q.Set("cursor", fmt.Sprintf("d-1_u-1_fh-%s_t-%d_r-1", randomDigits(19), now))
	q.Set("internal_ext", fmt.Sprintf(
		"internal_src:dim|wss_push_room_id:%s|wss_push_did:%s|first_req_ms:%d|fetch_time:%d|seq:1|wss_info:0-%d-0-0|wrds_v:7392094459690748497",
		roomID, f.userUniqueID, now, now, now,
	))
	q.Set("host", "https://live.douyin.com")
	q.Set("aid", "6383")
	q.Set("live_id", "1")
	q.Set("did_rule", "3")
	q.Set("endpoint", "live_pc")
	q.Set("support_wrds", "1")
	q.Set("user_unique_id", f.userUniqueID)
	q.Set("im_path", "/webcast/im/fetch/")
	q.Set("identity", "audience")
	q.Set("need_persist_msg_count", "15")
	q.Set("insert_task_id", "")
	q.Set("live_reason", "")
	q.Set("room_id", roomID)
	q.Set("heartbeatDuration", "0")

	signature, err := f.signer.Sign(protocol.SigningDigest(q))
	if err != nil {
		return "", fmt.Errorf("%w: %v", protocol.ErrSignature, err)
	}
	q.Set("signature", signature)

	return f.cfg.WsURL + "?" + q.Encode(), nil
}

func randomDigits(n int) string {
	buf := make([]byte, n)
	buf[0] = byte('1' + rand.IntN(9))
	for i := 1; i < n; i++ {
		buf[i] = byte('0' + rand.IntN(10))
	}
	return string(buf)
}
