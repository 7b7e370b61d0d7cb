// Package main はshotenサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"shoten/internal/app"
	"shoten/internal/config"
)

func main() {
	// コマンドラインオプション
	var (
		configPath = flag.String("config", "", "設定ファイル (YAML)")
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		dest       = flag.String("dest", "", "撮影画像のダウンロード先")
		simulated  = flag.Bool("simulated", true, "シミュレーターのカメラを使用する")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("shoten - リモート撮影・フォーカス制御サーバー")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dest != "" {
		cfg.Capture.DestinationDir = *dest
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "simulated" {
			cfg.Device.Simulated = *simulated
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("設定が不正です: %v", err)
	}

	log.Printf("shoten サーバーを起動します: %s", cfg.ServerAddress())
	if err := app.Run(context.Background(), cfg); err != nil {
		log.Fatalf("サーバーの実行に失敗しました: %v", err)
	}
}
