package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shoten/internal/burst"
	"shoten/internal/config"
	"shoten/internal/errorgate"
	"shoten/internal/focus"
	"shoten/internal/marshal"
	"shoten/internal/remote"
)

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	httpServer *http.Server
	engine     *gin.Engine
	handler    *Handler
	registry   *prometheus.Registry
	startedAt  time.Time
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, ctrl *remote.Controller) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		config:    cfg,
		engine:    engine,
		registry:  newRegistry(),
		startedAt: time.Now(),
	}
	s.handler = newHandler(cfg, ctrl, s.startedAt)
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	// 配信中のストリームはシャットダウン時に終了させる
	s.httpServer.RegisterOnShutdown(s.handler.closeStreams)
	return s
}

// newRegistry は各部品のメトリクスを登録したレジストリを作成する
func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	groups := [][]prometheus.Collector{
		errorgate.MetricsCollectors(),
		marshal.MetricsCollectors(),
		focus.MetricsCollectors(),
		burst.MetricsCollectors(),
	}
	for _, group := range groups {
		for _, collector := range group {
			registry.MustRegister(collector)
		}
	}
	return registry
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	h := s.handler

	// ヘルスチェックとメトリクス
	s.engine.GET("/health", h.HealthCheck)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	api := s.engine.Group("/api")
	api.GET("/status", h.GetStatus)

	api.GET("/cameras", h.GetCameras)
	api.POST("/cameras/refresh", h.RefreshCameras)

	api.POST("/session", h.OpenSession)
	api.DELETE("/session", h.CloseSession)

	api.GET("/settings", h.GetSettings)
	api.PUT("/settings/:property", h.SetProperty)
	api.PUT("/save-target", h.SetSaveTarget)
	api.POST("/recording", h.ToggleRecording)
	api.PUT("/destination", h.SetDestination)

	api.POST("/liveview/start", h.StartLiveView)
	api.POST("/liveview/stop", h.StopLiveView)
	api.GET("/liveview/stream", h.StreamLiveView)

	api.GET("/focus", h.GetFocus)
	api.POST("/focus/distance", h.PlanDistance)
	api.POST("/focus/ticks", h.PlanTicks)
	api.POST("/focus/minimum", h.DriveToMinimum)
	api.POST("/focus/nudge", h.Nudge)
	api.DELETE("/focus/ledger", h.ClearLedger)

	api.GET("/burst", h.GetBurst)
	api.POST("/burst", h.ArmBurst)

	api.GET("/errors/stream", h.StreamErrors)
}

// Handler はルーティング済みのhttp.Handlerを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start はサーバーを起動する
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}

	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		log.Printf("HTTPサーバーを起動しています: %s", listener.Addr())
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの実行に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		log.Println("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		log.Printf("シグナルを受信しました: %v", sig)
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	log.Println("サーバーをシャットダウンしています...")

	// 5秒のタイムアウトを設定
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	log.Println("サーバーが正常にシャットダウンされました")
	return nil
}
