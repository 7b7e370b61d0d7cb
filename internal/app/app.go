// Package app は設定から各部品を組み立ててサーバーを実行する
package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"shoten/internal/config"
	"shoten/internal/device"
	"shoten/internal/errorgate"
	"shoten/internal/marshal"
	"shoten/internal/publish"
	"shoten/internal/remote"
	"shoten/internal/server"
	"shoten/internal/storage"
)

// Run はサーバーを起動し、ctxの終了またはシグナル受信まで実行する
func Run(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.Capture.DestinationDir, 0755); err != nil {
		return fmt.Errorf("ダウンロード先の作成に失敗: %w", err)
	}

	gate := errorgate.New(cfg.ErrorGate.Threshold, nil)

	discovery := device.NewStaticDiscovery()
	var sim *device.Simulator
	if cfg.Device.Simulated {
		simCfg := device.DefaultSimulatorConfig()
		simCfg.Serial = cfg.Device.SimulatorSerial
		simCfg.Name = cfg.Device.SimulatorName
		simCfg.FrameInterval = cfg.Device.FrameInterval
		simCfg.CaptureDelay = cfg.Device.CaptureDelay
		sim = device.NewSimulator(simCfg, gate)
		discovery.Attach(sim)
		log.Printf("シミュレーターを使用します: %s (%s)", simCfg.Name, simCfg.Serial)
	} else {
		log.Println("ベンダーSDKのドライバが登録されていないため、カメラは検出されません")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	manager := device.NewManager(discovery, cfg.Device.ScanInterval)
	manager.OnCameraAdded(func(cam device.Camera) {
		log.Printf("カメラを検出しました: %s (%s)", cam.Name, cam.ID)
	})
	if err := manager.Start(runCtx); err != nil {
		return err
	}
	defer manager.Stop()

	// ループはセッションを閉じ終えるまで止めない
	loopCtx, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()
	control := marshal.NewLoop("control")
	transfers := marshal.NewLoop("transfers")
	go control.Run(loopCtx)
	go transfers.Run(loopCtx)

	ctrl := remote.New(manager, gate, control, transfers, remote.Options{
		Focus:          cfg.Focus,
		DestinationDir: cfg.Capture.DestinationDir,
		FrameQuality:   cfg.Capture.FrameQuality,
		MirrorTimeout:  cfg.Storage.Timeout,
	})

	if cfg.Storage.Enabled {
		mirror, err := storage.NewMirror(cfg.Storage)
		if err != nil {
			return fmt.Errorf("ストレージの初期化に失敗: %w", err)
		}
		ctrl.SetMirror(mirror)
		log.Printf("撮影画像を複製します: %s/%s", cfg.Storage.Endpoint, cfg.Storage.Bucket)
	}

	if cfg.MQTT.Enabled {
		client, err := publish.Dial(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("MQTTの初期化に失敗: %w", err)
		}
		publisher := publish.New(client, cfg.MQTT.TopicPrefix)
		publisher.Follow(runCtx, gate)
		ctrl.SetNotifier(publisher)
		defer publisher.Close()
	}

	srv := server.New(cfg, ctrl)
	serveErr := srv.Start(runCtx)

	// セッションを閉じてからループを止める
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := ctrl.Close(closeCtx); err != nil {
		log.Printf("セッションの終了に失敗: %v", err)
	}
	if sim != nil {
		sim.Wait()
	}
	stopLoops()
	<-control.Done()
	<-transfers.Done()

	return serveErr
}
