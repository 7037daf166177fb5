package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ArchiveSink 归档制品外部存储接口。
// 制品格式刻意不入约：sink 只拿到字节流和内容 checksum，
// 对象存储的具体组织方式是外部系统的事
type ArchiveSink interface {
	// Put 上传一个归档制品；name 形如 "heartbeats_p20260829.ndjson"
	Put(ctx context.Context, name string, data []byte, checksum string) error
}

// HTTPArchiveSink 把制品 PUT 到对象存储网关
type HTTPArchiveSink struct {
	client *resty.Client
	logger *zap.Logger
}

// NewHTTPArchiveSink 创建 HTTP 归档 sink
func NewHTTPArchiveSink(baseURL string, logger *zap.Logger) *HTTPArchiveSink {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(120 * time.Second). // 整分区导出可能很大
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second)

	return &HTTPArchiveSink{client: client, logger: logger}
}

var _ ArchiveSink = (*HTTPArchiveSink)(nil)

func (s *HTTPArchiveSink) Put(ctx context.Context, name string, data []byte, checksum string) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-ndjson").
		SetHeader("X-Content-Sha256", checksum).
		SetBody(data).
		Put("/artifacts/" + name)
	if err != nil {
		return fmt.Errorf("archive upload failed for %s: %w", name, err)
	}
	if resp.IsError() {
		return fmt.Errorf("archive upload failed for %s: status %d", name, resp.StatusCode())
	}

	s.logger.Info("archive artifact uploaded",
		zap.String("artifact", name),
		zap.Int("bytes", len(data)),
		zap.String("checksum", checksum),
	)
	return nil
}

// FileArchiveSink 本地目录 sink：没有配置对象存储网关时的默认实现。
// 先写临时文件再 rename，读到一半的制品不会被下游看到。
type FileArchiveSink struct {
	dir    string
	logger *zap.Logger
}

// NewFileArchiveSink 创建本地目录 sink
func NewFileArchiveSink(dir string, logger *zap.Logger) *FileArchiveSink {
	return &FileArchiveSink{dir: dir, logger: logger}
}

var _ ArchiveSink = (*FileArchiveSink)(nil)

func (s *FileArchiveSink) Put(_ context.Context, name string, data []byte, checksum string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("archive dir unavailable: %w", err)
	}

	tmp := filepath.Join(s.dir, name+".tmp."+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("archive write failed for %s: %w", name, err)
	}
	final := filepath.Join(s.dir, name)
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("archive rename failed for %s: %w", name, err)
	}

	s.logger.Info("archive artifact written",
		zap.String("path", final),
		zap.Int("bytes", len(data)),
		zap.String("checksum", checksum),
	)
	return nil
}

// MemoryArchiveSink 测试用 sink，可注入失败
type MemoryArchiveSink struct {
	Artifacts map[string][]byte
	Checksums map[string]string
	FailNames map[string]bool // 指定制品名返回失败
}

// NewMemoryArchiveSink 创建内存 sink
func NewMemoryArchiveSink() *MemoryArchiveSink {
	return &MemoryArchiveSink{
		Artifacts: map[string][]byte{},
		Checksums: map[string]string{},
		FailNames: map[string]bool{},
	}
}

var _ ArchiveSink = (*MemoryArchiveSink)(nil)

func (s *MemoryArchiveSink) Put(_ context.Context, name string, data []byte, checksum string) error {
	if s.FailNames[name] {
		return fmt.Errorf("injected sink failure for %s", name)
	}
	s.Artifacts[name] = data
	s.Checksums[name] = checksum
	return nil
}
