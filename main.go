package main

import (
	"context"
	"log"

	"shoten/internal/app"
	"shoten/internal/config"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// サーバーを起動
	if err := app.Run(context.Background(), cfg); err != nil {
		log.Fatalf("サーバーの実行に失敗しました: %v", err)
	}
}
