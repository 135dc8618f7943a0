package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

const (
	cacheDirName = "cache"
	tempDirName  = "temp"
	lockFileName = ".lock"

	// dirMarker 追加在每个目录段之后，使文件名永远不会与目录名冲突。
	dirMarker = "~"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
// 启动时会创建 cache/temp 两个目录、获取独占锁并清理上次崩溃遗留的暂存文件。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	cacheDir := filepath.Join(abs, cacheDirName)
	tempDir := filepath.Join(abs, tempDirName)
	for _, dir := range []string{cacheDir, tempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage path: %w", err)
		}
	}

	lock := flock.New(filepath.Join(abs, lockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire storage lock: %w", err)
	}
	if !ok {
		return nil, ErrStorageLocked
	}

	// 持锁后暂存目录中的文件都属于已退出的进程。
	if err := sweepDir(tempDir); err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("clean staging area: %w", err)
	}

	return &fileStore{
		basePath: abs,
		cacheDir: cacheDir,
		tempDir:  tempDir,
		lock:     lock,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一 Locator 并发提交，同时复用 basePath。
type fileStore struct {
	basePath string
	cacheDir string
	tempDir  string
	lock     *flock.Flock

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Lookup(ctx context.Context, locator Locator) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}
	return statEntry(locator, filePath)
}

func (s *fileStore) Open(ctx context.Context, locator Locator) (*ReadResult, error) {
	entry, err := s.Lookup(ctx, locator)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(entry.FilePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &ReadResult{
		Entry:  *entry,
		Reader: f,
	}, nil
}

func (s *fileStore) CreateTemp(pattern string) (*os.File, error) {
	if strings.ContainsAny(pattern, `/\`) {
		return nil, fmt.Errorf("invalid temp pattern %q", pattern)
	}
	return os.CreateTemp(s.tempDir, pattern)
}

func (s *fileStore) Commit(ctx context.Context, locator Locator, stagedPath string) (CommitResult, error) {
	if err := s.ownsStaged(stagedPath); err != nil {
		return CommitResult{}, err
	}

	unlock, err := s.lockEntry(locator)
	if err != nil {
		return CommitResult{}, err
	}
	defer unlock()

	if err := ctx.Err(); err != nil {
		return CommitResult{}, err
	}

	filePath, err := s.entryPath(locator)
	if err != nil {
		return CommitResult{}, err
	}

	if existing, err := statEntry(locator, filePath); err == nil {
		if rmErr := os.Remove(stagedPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			return CommitResult{}, rmErr
		}
		return CommitResult{Entry: *existing, Discarded: true}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return CommitResult{}, err
	}

	info, err := os.Stat(stagedPath)
	if err != nil {
		return CommitResult{}, err
	}
	if info.IsDir() || info.Size() == 0 {
		return CommitResult{}, ErrEmptyArtifact
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return CommitResult{}, err
	}
	if err := os.Rename(stagedPath, filePath); err != nil {
		return CommitResult{}, err
	}

	entry, err := statEntry(locator, filePath)
	if err != nil {
		return CommitResult{}, err
	}
	return CommitResult{Entry: *entry}, nil
}

func (s *fileStore) Close() error {
	return s.lock.Unlock()
}

func (s *fileStore) lockEntry(locator Locator) (func(), error) {
	key := locatorKey(locator)
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}, nil
}

func (s *fileStore) entryPath(locator Locator) (string, error) {
	if locator.Namespace == "" || strings.ContainsAny(locator.Namespace, `/\.`) {
		return "", errors.New("invalid cache namespace")
	}

	rel := path.Clean("/" + locator.Path)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" || rel == "." {
		return "", errors.New("cache path required")
	}

	segments := strings.Split(rel, "/")
	for i, seg := range segments {
		if strings.Contains(seg, dirMarker) {
			return "", errors.New("reserved character in cache path")
		}
		if i < len(segments)-1 {
			segments[i] = seg + dirMarker
		}
	}

	root := filepath.Join(s.cacheDir, locator.Namespace)
	filePath := filepath.Join(root, filepath.Join(segments...))
	if !strings.HasPrefix(filePath, root+string(filepath.Separator)) {
		return "", errors.New("invalid cache path")
	}
	return filePath, nil
}

// ownsStaged 只接受暂存目录下的直接子文件，防止把任意路径 rename 进缓存。
func (s *fileStore) ownsStaged(stagedPath string) error {
	abs, err := filepath.Abs(stagedPath)
	if err != nil {
		return err
	}
	if filepath.Dir(abs) != s.tempDir {
		return fmt.Errorf("staged file %s is outside the staging area", stagedPath)
	}
	return nil
}

func statEntry(locator Locator, filePath string) (*Entry, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}
	return &Entry{
		Locator:   locator,
		FilePath:  filePath,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
	}, nil
}

func sweepDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func locatorKey(locator Locator) string {
	return locator.Namespace + "::" + locator.Path
}
