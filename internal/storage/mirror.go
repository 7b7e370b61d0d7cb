// Package storage はダウンロードした撮影画像をS3互換ストレージへ複製する
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"shoten/internal/config"
)

// ErrMissingConfig は必要な設定が不足している場合のエラー
var ErrMissingConfig = errors.New("ストレージの設定が不足しています")

// ObjectPutter はオブジェクトの書き込み先
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Mirror はローカルファイルをバケットへ複製する
type Mirror struct {
	client ObjectPutter
	bucket string
	prefix string
}

// NewMirror は設定からminioクライアントを作成する
func NewMirror(cfg config.StorageConfig) (*Mirror, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	bucket := strings.TrimSpace(cfg.Bucket)
	if endpoint == "" || bucket == "" || cfg.AccessKeyFile == "" || cfg.SecretKeyFile == "" {
		return nil, ErrMissingConfig
	}

	accessKey, err := readSecretFile(cfg.AccessKeyFile)
	if err != nil {
		return nil, fmt.Errorf("アクセスキーの読み込みに失敗: %w", err)
	}
	secretKey, err := readSecretFile(cfg.SecretKeyFile)
	if err != nil {
		return nil, fmt.Errorf("シークレットキーの読み込みに失敗: %w", err)
	}

	host, secure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("S3クライアントの初期化に失敗: %w", err)
	}

	return NewMirrorWithClient(client, bucket, cfg.Prefix), nil
}

// NewMirrorWithClient は任意の書き込み先でMirrorを作成する
func NewMirrorWithClient(client ObjectPutter, bucket, prefix string) *Mirror {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "shoten/captures"
	}
	return &Mirror{client: client, bucket: bucket, prefix: prefix}
}

// Upload はファイルをバケットへ書き込む
func (m *Mirror) Upload(ctx context.Context, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("ファイルを開けません: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("ファイル情報の取得に失敗: %w", err)
	}

	key := m.Key(localPath)
	_, err = m.client.PutObject(ctx, m.bucket, key, f, info.Size(), minio.PutObjectOptions{
		ContentType: contentType(localPath),
	})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code != "" {
			return fmt.Errorf("%s への書き込みに失敗 (%s): %w", key, resp.Code, err)
		}
		return fmt.Errorf("%s への書き込みに失敗: %w", key, err)
	}
	return nil
}

// Key はローカルパスに対応するオブジェクトキーを返す
func (m *Mirror) Key(localPath string) string {
	return path.Join(m.prefix, filepath.Base(localPath))
}

func contentType(p string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(p))); t != "" {
		return t
	}
	return "application/octet-stream"
}

func parseEndpoint(raw string) (string, bool, error) {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, fmt.Errorf("エンドポイントの解析に失敗: %w", err)
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("無効なエンドポイント: %q", raw)
		}
		return u.Host, u.Scheme == "https", nil
	}
	return raw, true, nil
}

func readSecretFile(p string) (string, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
