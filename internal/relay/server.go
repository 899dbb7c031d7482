package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/qiminjie89/dmrelay/pkg/auth"
	"github.com/qiminjie89/dmrelay/pkg/config"
	"github.com/qiminjie89/dmrelay/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // 生产环境应检查 Origin
	},
}

var startTime = time.Now()

// Server 下游 WebSocket 服务器。订阅者按 /ws/{live_id} 进入房间
type Server struct {
	cfg     *config.Config
	manager *Manager

	validator *auth.JWTValidator

	httpServer    *http.Server
	metricsServer *http.Server
}

// NewServer 创建 Server
func NewServer(cfg *config.Config, manager *Manager) *Server {
	s := &Server{
		cfg:     cfg,
		manager: manager,
	}
	if cfg.Downstream.Auth.Enabled {
		s.validator = auth.NewJWTValidator(cfg.Downstream.Auth.Secret)
	}
	return s
}

// Start 启动服务
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/{live_id}", s.handleSubscribe)
	mux.HandleFunc("/{$}", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: mux,
	}

	logger.Info("starting relay server", zap.String("addr", s.cfg.Server.Addr))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("relay server error", zap.Error(err))
		}
	}()

	if s.cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		s.metricsServer = &http.Server{
			Addr:    s.cfg.Metrics.Addr,
			Handler: metricsMux,
		}

		logger.Info("starting metrics server", zap.String("addr", s.cfg.Metrics.Addr))
		go func() {
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	return nil
}

// Stop 关闭服务
func (s *Server) Stop() {
	if s.httpServer != nil {
		s.httpServer.Close()
	}
	if s.metricsServer != nil {
		s.metricsServer.Close()
	}
}

// handleSubscribe 订阅者入口
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	liveID := r.PathValue("live_id")
	if liveID == "" {
		http.Error(w, "live_id required", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		token := r.URL.Query().Get("token")
		if _, err := s.validator.Validate(token); err != nil {
			logger.Warn("subscriber auth failed",
				zap.String("live_id", liveID),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Error(err),
			)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewConn(ws, liveID, &s.cfg.Downstream, s.manager)
	s.manager.Join(conn, liveID)
	conn.Start()
}

// handleRoot 不带 live_id 的连接直接拒绝，关闭码 4001
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4001, "live_id required"))
	ws.Close()
}

// healthStatus 健康状态
type healthStatus struct {
	Status        string  `json:"status"`
	Rooms         int     `json:"rooms"`
	Subscribers   int     `json:"subscribers"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// handleHealth 健康检查
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rooms, subscribers := s.manager.Stats()

	health := &healthStatus{
		Status:        "healthy",
		Rooms:         rooms,
		Subscribers:   subscribers,
		UptimeSeconds: time.Since(startTime).Seconds(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(health)
}
