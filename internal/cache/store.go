package cache

import (
	"context"
	"errors"
	"io"
	"os"
	"time"
)

// Store 负责管理处理后视频的磁盘缓存。磁盘布局遵循：
//
//	<StoragePath>/cache/<Namespace>/<Name>   # 已提交的成品
//	<StoragePath>/temp/                      # 下载与转码中的临时文件
//	<StoragePath>/.lock                      # 进程独占锁
//
// 成品只通过 Commit 的原子 rename 出现，读者永远看不到写了一半的文件。
type Store interface {
	// Lookup 仅检查成品是否存在。若不存在则返回 ErrNotFound。
	Lookup(ctx context.Context, locator Locator) (*Entry, error)

	// Open 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Open(ctx context.Context, locator Locator) (*ReadResult, error)

	// CreateTemp 在暂存目录创建唯一文件，与缓存目录位于同一文件系统。
	CreateTemp(pattern string) (*os.File, error)

	// Commit 将暂存文件 rename 为成品。目标已存在时以既有文件为准，
	// 删除调用方的暂存文件并返回 Discarded=true。
	Commit(ctx context.Context, locator Locator, stagedPath string) (CommitResult, error)

	// Close 释放存储目录锁。
	Close() error
}

// Locator 唯一定位一个缓存条目（命名空间 + 相对路径），路径为 URL 路径风格。
type Locator struct {
	Namespace string
	Path      string
}

// Entry 表示一次缓存命中结果，包含绝对文件路径及文件信息。
type Entry struct {
	Locator   Locator   `json:"locator"`
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// ReadResult 组合 Entry 与正文 Reader，便于代理层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// CommitResult 描述一次提交；Discarded 表示另一个生产者已先完成。
type CommitResult struct {
	Entry     Entry
	Discarded bool
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrEmptyArtifact 表示暂存文件为空，拒绝提交。
	ErrEmptyArtifact = errors.New("staged artifact is empty")
	// ErrStorageLocked 表示另一个进程持有同一存储目录。
	ErrStorageLocked = errors.New("storage path is locked by another process")
)
