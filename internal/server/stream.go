package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// StreamLiveView はライブビューをMJPEGストリームとして配信する
func (h *Handler) StreamLiveView(c *gin.Context) {
	frames, cancel := h.ctrl.Display().Subscribe()
	defer cancel()

	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Status(http.StatusOK)
	// フレームが届く前にヘッダーを返す
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	// 表示中の画像があれば先に送る
	if latest, ok := h.ctrl.Display().Latest(); ok {
		if !writeFrame(c.Writer, latest) {
			return
		}
		c.Writer.Flush()
	}

	// クライアント切断を検知するためのコンテキスト
	clientGone := c.Request.Context().Done()

	for {
		select {
		case <-clientGone:
			return
		case <-h.stop:
			return
		case frame := <-frames:
			if !writeFrame(c.Writer, frame) {
				return
			}
			c.Writer.Flush()
		}
	}
}

// writeFrame はMJPEGの1パートを書き込む
func writeFrame(w io.Writer, frame []byte) bool {
	parts := [][]byte{
		[]byte("--frame\r\n"),
		[]byte("Content-Type: image/jpeg\r\n\r\n"),
		frame,
		[]byte("\r\n"),
	}
	for _, p := range parts {
		if _, err := w.Write(p); err != nil {
			return false
		}
	}
	return true
}

// StreamErrors は提示されたエラー報告をServer-Sent Eventsで配信する
func (h *Handler) StreamErrors(c *gin.Context) {
	reports, cancel := h.ctrl.Gate().Subscribe()
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	// 購読開始を知らせるコメントを送り、報告がなくてもヘッダーを返す
	if _, err := io.WriteString(c.Writer, ": subscribed\n\n"); err != nil {
		return
	}
	c.Writer.Flush()

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case <-h.stop:
			return false
		case r, ok := <-reports:
			if !ok {
				return false
			}
			event := "error"
			if r.Severe {
				event = "lockdown"
			}
			c.SSEvent(event, r)
			return true
		}
	})
}
