package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalStorage はローカルファイルシステムへ保存します（開発環境用）。
// Presign は署名を行わず、公開ベースURLの下にキーを連結したURLを返します。
type LocalStorage struct {
	baseDir       string
	publicBaseURL string
}

// NewLocalStorage は LocalStorage を作成します。
func NewLocalStorage(baseDir, publicBaseURL string) (*LocalStorage, error) {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "multi-downloader")
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &LocalStorage{baseDir: abs, publicBaseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

// Dir は保存先ディレクトリを返します。
func (s *LocalStorage) Dir() string {
	return s.baseDir
}

func (s *LocalStorage) Upload(_ context.Context, key string, body io.Reader, _ string) (string, error) {
	path, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create destination directory: %w", err)
	}
	// 書き込み途中のファイルを読まれないよう一時ファイルからリネームする。
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to move object into place: %w", err)
	}
	return "file://" + filepath.ToSlash(path), nil
}

func (s *LocalStorage) Presign(_ context.Context, key string, _ time.Duration) (string, error) {
	path, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrObjectNotFound
		}
		return "", err
	}
	escaped := make([]string, 0)
	for _, part := range strings.Split(key, "/") {
		escaped = append(escaped, url.PathEscape(part))
	}
	return s.publicBaseURL + "/" + strings.Join(escaped, "/"), nil
}

func (s *LocalStorage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	return f, nil
}

func (s *LocalStorage) KeyOf(location string) (string, error) {
	if !strings.HasPrefix(location, "file://") {
		return "", fmt.Errorf("not a local location: %s", location)
	}
	path := filepath.FromSlash(strings.TrimPrefix(location, "file://"))
	rel, err := filepath.Rel(s.baseDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("location outside storage dir: %s", location)
	}
	return filepath.ToSlash(rel), nil
}

func (s *LocalStorage) Type() string {
	return "local"
}

func (s *LocalStorage) resolve(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object key: %q", key)
	}
	return filepath.Join(s.baseDir, clean), nil
}
