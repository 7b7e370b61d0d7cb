package remote

import (
	"context"
	"fmt"
	"image"
	"log"

	"shoten/internal/device"
)

// loopTarget はControllerをmarshal.Targetとして扱う
//
// Download以外は制御ループ上で呼ばれる。
type loopTarget struct {
	c *Controller
}

func (t loopTarget) ShowFrame(img image.Image) {
	t.c.display.ShowFrame(img)
}

func (t loopTarget) SetProgress(percent int) {
	t.c.progress = percent
}

func (t loopTarget) SessionOpen() bool {
	s := t.c.currentSession()
	return s != nil && s.SessionOpen()
}

// CloseSession はデバイスのシャットダウン通知でセッションを閉じる
func (t loopTarget) CloseSession() {
	log.Println("デバイスからシャットダウンが通知されました")
	t.c.closeSession()
}

func (t loopTarget) Session() device.Session {
	return t.c.currentSession()
}

func (t loopTarget) DestinationDir() string {
	return t.c.destDir
}

// Download はファイルを転送し、複製と通知を行う（転送ループ上で呼ばれる）
//
// sはDownloadReadyの到着時に開いていたセッション。
func (t loopTarget) Download(s device.Session, info device.DownloadInfo, dir string) error {
	c := t.c
	path, err := s.DownloadFile(info, dir)
	if err != nil {
		return fmt.Errorf("ファイルの転送に失敗: %w", err)
	}
	log.Printf("ファイルを保存しました: %s", path)

	c.control.Post(func() {
		c.downloads++
		c.lastDownload = path
	})

	if c.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.MirrorTimeout)
		defer cancel()
		if err := c.mirror.Upload(ctx, path); err != nil {
			c.gate.Report(fmt.Sprintf("%s の複製に失敗: %v", info.FileName, err), false)
		}
	}
	if c.notifier != nil {
		c.notifier.DownloadCompleted(info, path)
	}
	return nil
}
