package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"shoten/internal/burst"
	"shoten/internal/config"
	"shoten/internal/device"
	"shoten/internal/focus"
	"shoten/internal/remote"
)

// Handler はAPIエンドポイントを実装する
type Handler struct {
	config    *config.Config
	ctrl      *remote.Controller
	startedAt time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

func newHandler(cfg *config.Config, ctrl *remote.Controller, startedAt time.Time) *Handler {
	return &Handler{
		config:    cfg,
		ctrl:      ctrl,
		startedAt: startedAt,
		stop:      make(chan struct{}),
	}
}

// closeStreams は配信中のストリームを全て終了させる
func (h *Handler) closeStreams() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// ErrorResponse はエラー応答
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *Handler) GetStatus(c *gin.Context) {
	snap, err := h.ctrl.Snapshot(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "running",
		"server": gin.H{
			"host": h.config.Server.Host,
			"port": h.config.Server.Port,
		},
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"cameras":        len(h.ctrl.Cameras()),
		"state":          snap,
		"timestamp":      time.Now(),
	})
}

// GetCameras はカメラ一覧取得エンドポイントの実装
func (h *Handler) GetCameras(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cameras": h.ctrl.Cameras()})
}

// RefreshCameras はカメラを再検出する
func (h *Handler) RefreshCameras(c *gin.Context) {
	cams, err := h.ctrl.Refresh(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cameras": cams})
}

type openSessionRequest struct {
	CameraID string `json:"camera_id" binding:"required"`
}

// OpenSession はセッションを開く
func (h *Handler) OpenSession(c *gin.Context) {
	var req openSessionRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.ctrl.OpenSession(c.Request.Context(), req.CameraID); err != nil {
		h.fail(c, err)
		return
	}
	h.respondSnapshot(c)
}

// CloseSession はセッションを閉じる
func (h *Handler) CloseSession(c *gin.Context) {
	if err := h.ctrl.CloseSession(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetSettings は露出設定の候補と現在値を返す
func (h *Handler) GetSettings(c *gin.Context) {
	settings, err := h.ctrl.Settings(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

type valueRequest struct {
	Value *int `json:"value" binding:"required"`
}

// SetProperty は露出設定を変更する
func (h *Handler) SetProperty(c *gin.Context) {
	id, err := device.ParsePropertyID(c.Param("property"))
	if err != nil {
		h.invalid(c, err)
		return
	}
	var req valueRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.ctrl.SetProperty(c.Request.Context(), id, *req.Value); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type saveTargetRequest struct {
	Target string `json:"target" binding:"required"`
}

// SetSaveTarget は撮影画像の保存先を変更する
func (h *Handler) SetSaveTarget(c *gin.Context) {
	var req saveTargetRequest
	if !h.bind(c, &req) {
		return
	}
	target, err := device.ParseSaveTarget(req.Target)
	if err != nil {
		h.invalid(c, err)
		return
	}
	if err := h.ctrl.SetSaveTarget(c.Request.Context(), target); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ToggleRecording は動画記録を開始または停止する
func (h *Handler) ToggleRecording(c *gin.Context) {
	recording, err := h.ctrl.ToggleRecording(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recording": recording})
}

type destinationRequest struct {
	Dir string `json:"dir" binding:"required"`
}

// SetDestination はダウンロード先を変更する
func (h *Handler) SetDestination(c *gin.Context) {
	var req destinationRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.ctrl.SetDestinationDir(c.Request.Context(), req.Dir); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// StartLiveView はライブビューを開始する
func (h *Handler) StartLiveView(c *gin.Context) {
	if err := h.ctrl.StartLiveView(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// StopLiveView はライブビューを停止する
func (h *Handler) StopLiveView(c *gin.Context) {
	if err := h.ctrl.StopLiveView(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetFocus はフォーカス駆動の状態を返す
func (h *Handler) GetFocus(c *gin.Context) {
	st, ledger, err := h.ctrl.FocusState(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": st, "ledger": ledger.Map()})
}

type distanceRequest struct {
	Distance *float64 `json:"distance" binding:"required"`
}

// PlanDistance は距離から目標位置を設定する
func (h *Handler) PlanDistance(c *gin.Context) {
	var req distanceRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.ctrl.PlanDistance(c.Request.Context(), *req.Distance); err != nil {
		h.fail(c, err)
		return
	}
	h.respondFocus(c)
}

type ticksRequest struct {
	Ticks *int `json:"ticks" binding:"required"`
}

// PlanTicks はティック数で目標位置を設定する
func (h *Handler) PlanTicks(c *gin.Context) {
	var req ticksRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.ctrl.PlanTicks(c.Request.Context(), *req.Ticks); err != nil {
		h.fail(c, err)
		return
	}
	h.respondFocus(c)
}

// DriveToMinimum はレンズを較正する。完了まで応答しない
func (h *Handler) DriveToMinimum(c *gin.Context) {
	if err := h.ctrl.DriveToMinimum(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	h.respondFocus(c)
}

type nudgeRequest struct {
	Direction string `json:"direction" binding:"required"`
	Magnitude int    `json:"magnitude" binding:"required"`
}

// Nudge は1回分のステップを手動で送る
func (h *Handler) Nudge(c *gin.Context) {
	var req nudgeRequest
	if !h.bind(c, &req) {
		return
	}
	dir, err := device.ParseDirection(req.Direction)
	if err != nil {
		h.invalid(c, err)
		return
	}
	cmd := device.StepCommand{Direction: dir, Magnitude: req.Magnitude}
	if err := cmd.Validate(); err != nil {
		h.invalid(c, err)
		return
	}
	if err := h.ctrl.Nudge(c.Request.Context(), cmd.Direction, cmd.Magnitude); err != nil {
		h.fail(c, err)
		return
	}
	h.respondFocus(c)
}

// ClearLedger はステップ集計を消去する
func (h *Handler) ClearLedger(c *gin.Context) {
	if err := h.ctrl.ClearLedger(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetBurst はバースト撮影の進捗を返す
func (h *Handler) GetBurst(c *gin.Context) {
	plan, err := h.ctrl.BurstPlan(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

type burstRequest struct {
	IntervalMillis int  `json:"interval_ms" binding:"required"`
	Count          *int `json:"count" binding:"required"`
}

// ArmBurst はバースト撮影を開始する
func (h *Handler) ArmBurst(c *gin.Context) {
	var req burstRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.ctrl.ArmBurst(c.Request.Context(), req.IntervalMillis, *req.Count); err != nil {
		h.fail(c, err)
		return
	}
	plan, err := h.ctrl.BurstPlan(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, plan)
}

// ヘルパー関数

func (h *Handler) respondFocus(c *gin.Context) {
	st, ledger, err := h.ctrl.FocusState(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": st, "ledger": ledger.Map()})
}

func (h *Handler) respondSnapshot(c *gin.Context) {
	snap, err := h.ctrl.Snapshot(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// bind はリクエストボディを読み込む。失敗時は400を返してfalse
func (h *Handler) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		h.invalid(c, err)
		return false
	}
	return true
}

func (h *Handler) invalid(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:     "invalid_request",
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}

// fail は操作のエラーを応答に変換する
func (h *Handler) fail(c *gin.Context, err error) {
	status, code := classify(err)
	c.JSON(status, ErrorResponse{
		Error:     code,
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, focus.ErrLocked), errors.Is(err, burst.ErrLocked):
		return http.StatusLocked, "locked"
	case errors.Is(err, focus.ErrBusy):
		return http.StatusConflict, "calibrating"
	case errors.Is(err, remote.ErrNoSession):
		return http.StatusConflict, "no_session"
	case errors.Is(err, remote.ErrCameraNotFound):
		return http.StatusNotFound, "camera_not_found"
	case errors.Is(err, focus.ErrInvalidDistance),
		errors.Is(err, focus.ErrOutOfRange),
		errors.Is(err, burst.ErrInvalidPlan),
		errors.Is(err, remote.ErrInvalidSetting):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "cancelled"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
