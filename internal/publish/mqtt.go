// Package publish はエラー報告とダウンロード完了をMQTTブローカーへ配信する
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/kapetan-io/tackle/clock"

	"shoten/internal/config"
	"shoten/internal/device"
	"shoten/internal/errorgate"
)

// Client はメッセージの送信先
type Client interface {
	Publish(topic string, payload []byte) error
	Close()
}

// DownloadEvent はダウンロード完了時に配信する内容
type DownloadEvent struct {
	RequestID string    `json:"request_id"`
	FileName  string    `json:"file_name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	At        time.Time `json:"at"`
}

// Publisher はイベントをトピックへ配信する
type Publisher struct {
	client Client
	prefix string

	mu      sync.Mutex
	cancels []func()
	wg      sync.WaitGroup
}

// New は新しいPublisherを作成する
func New(client Client, prefix string) *Publisher {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "shoten"
	}
	return &Publisher{client: client, prefix: prefix}
}

// ErrorsTopic はエラー報告の配信先トピック
func (p *Publisher) ErrorsTopic() string { return p.prefix + "/errors" }

// DownloadsTopic はダウンロード完了の配信先トピック
func (p *Publisher) DownloadsTopic() string { return p.prefix + "/downloads" }

// Follow はGateに提示されたエラー報告の配信を開始する
//
// ctxの終了またはCloseで配信を止める。
func (p *Publisher) Follow(ctx context.Context, gate *errorgate.Gate) {
	reports, cancel := gate.Subscribe()

	p.mu.Lock()
	p.cancels = append(p.cancels, cancel)
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case r, ok := <-reports:
				if !ok {
					return
				}
				p.send(p.ErrorsTopic(), r)
			}
		}
	}()
}

// DownloadCompleted はダウンロード完了を配信する
func (p *Publisher) DownloadCompleted(info device.DownloadInfo, path string) {
	p.send(p.DownloadsTopic(), DownloadEvent{
		RequestID: info.RequestID,
		FileName:  info.FileName,
		Path:      path,
		Size:      info.Size,
		At:        clock.Now(),
	})
}

// Close は購読を解除し、クライアントを切断する
func (p *Publisher) Close() {
	p.mu.Lock()
	cancels := p.cancels
	p.cancels = nil
	p.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	p.wg.Wait()
	p.client.Close()
}

func (p *Publisher) send(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Printf("配信内容のエンコードに失敗: %v", err)
		return
	}
	if err := p.client.Publish(topic, payload); err != nil {
		log.Printf("%s への配信に失敗: %v", topic, err)
	}
}

// pahoClient はpahoのクライアントをClientとして扱う
type pahoClient struct {
	client  mqtt.Client
	timeout time.Duration
}

// Dial はブローカーへ接続する
func Dial(cfg config.MQTTConfig) (Client, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("MQTTブローカーが設定されていません")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("MQTTブローカーに接続しました: %s", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("MQTTブローカーとの接続が切れました: %v", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		client.Disconnect(0)
		return nil, fmt.Errorf("MQTT接続がタイムアウトしました: %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTT接続に失敗: %w", err)
	}

	return &pahoClient{client: client, timeout: 5 * time.Second}, nil
}

func (c *pahoClient) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("%s への配信がタイムアウトしました", topic)
	}
	return token.Error()
}

func (c *pahoClient) Close() {
	c.client.Disconnect(250)
}
