package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"origami_catalog/internal/config"
	"origami_catalog/internal/model"
)

const (
	ImageNameLength = 40
	ImageExtension  = ".png"

	imageStage   = "store"
	tempDirName  = ".tmp"
	nameAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// ImageStore persists generated image bytes and hands out local URLs
type ImageStore interface {
	// Save writes a new object under a fresh random name and returns its local URL
	Save(ctx context.Context, data []byte) (string, error)

	// Delete removes the object behind a local URL. Missing objects are not an error.
	Delete(ctx context.Context, localURL string) error

	// Resolve maps a local URL back to its filesystem path
	Resolve(localURL string) (string, error)

	// Exists reports whether the object behind a local URL is present
	Exists(ctx context.Context, localURL string) (bool, error)
}

// LocalImageStore stores images on the local filesystem under root/origami/.
type LocalImageStore struct {
	root     string
	prefix   string
	baseURL  string
	basePath string
	baseHost string
}

var _ ImageStore = (*LocalImageStore)(nil)

// NewLocalImageStore creates the image directory and returns a store whose URLs
// start with publicBaseURL (for example "/storage" or "https://cdn.example.com/storage").
func NewLocalImageStore(root, publicBaseURL string) (*LocalImageStore, error) {
	baseURL := strings.TrimRight(publicBaseURL, "/")
	if baseURL == "" {
		baseURL = "/storage"
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid public base URL: %w", err)
	}

	s := &LocalImageStore{
		root:     root,
		prefix:   config.ImagePrefix,
		baseURL:  baseURL,
		basePath: strings.TrimRight(parsed.Path, "/"),
		baseHost: parsed.Host,
	}

	if err := os.MkdirAll(filepath.Join(root, s.prefix), config.DataDirPermission); err != nil {
		return nil, fmt.Errorf("failed to create image directory: %w", err)
	}
	// 書き込み途中のファイルは公開ディレクトリの外に置く
	if err := os.MkdirAll(s.tempDir(), config.DataDirPermission); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	return s, nil
}

// Root returns the directory served under the public base URL.
func (s *LocalImageStore) Root() string {
	return s.root
}

func (s *LocalImageStore) tempDir() string {
	return filepath.Join(s.root, tempDirName)
}

// BasePath returns the URL path prefix of stored objects.
func (s *LocalImageStore) BasePath() string {
	return s.basePath
}

func (s *LocalImageStore) Save(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", model.NewStorageError(imageStage, "save canceled", err)
	}
	if len(data) == 0 {
		return "", model.NewStorageError(imageStage, "image data is empty", nil)
	}

	dir := filepath.Join(s.root, s.prefix)

	// 衝突は事実上起きないが、既存ファイルを上書きしないよう確認する
	for range 3 {
		name, err := randomName(ImageNameLength)
		if err != nil {
			return "", model.NewStorageError(imageStage, "failed to generate object name", err)
		}
		name += ImageExtension

		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}

		if err := atomicWriteFile(path, data, s.tempDir(), "origami_tmp_*.png"); err != nil {
			return "", model.NewStorageError(imageStage, "failed to write image", err)
		}

		log.Printf("[Store] 画像を保存しました: %s (%d bytes)", name, len(data))
		return s.baseURL + "/" + s.prefix + "/" + name, nil
	}

	return "", model.NewStorageError(imageStage, "could not allocate a unique object name", nil)
}

func (s *LocalImageStore) Delete(ctx context.Context, localURL string) error {
	path, err := s.Resolve(localURL)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return model.NewStorageError(imageStage, "failed to delete image", err)
	}

	log.Printf("[Store] 画像を削除しました: %s", filepath.Base(path))
	return nil
}

func (s *LocalImageStore) Exists(ctx context.Context, localURL string) (bool, error) {
	path, err := s.Resolve(localURL)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, model.NewStorageError(imageStage, "failed to stat image", err)
	}
	return true, nil
}

// Resolve accepts URLs produced by Save, either absolute or path-only.
func (s *LocalImageStore) Resolve(localURL string) (string, error) {
	u, err := url.Parse(localURL)
	if err != nil {
		return "", model.NewValidationError(imageStage, "invalid image URL", err)
	}
	if u.Host != "" && s.baseHost != "" && !strings.EqualFold(u.Host, s.baseHost) {
		return "", model.NewValidationError(imageStage, "image URL does not belong to this store", nil)
	}

	prefix := s.basePath + "/" + s.prefix + "/"
	name, ok := strings.CutPrefix(u.Path, prefix)
	if !ok || !isValidObjectName(name) {
		return "", model.NewValidationError(imageStage, "image URL does not belong to this store", nil)
	}

	return filepath.Join(s.root, s.prefix, name), nil
}

func isValidObjectName(name string) bool {
	base, ok := strings.CutSuffix(name, ImageExtension)
	if !ok || len(base) < ImageNameLength {
		return false
	}
	for _, r := range base {
		if !strings.ContainsRune(nameAlphabet, r) {
			return false
		}
	}
	return true
}

func randomName(n int) (string, error) {
	alphabetLen := big.NewInt(int64(len(nameAlphabet)))
	var sb strings.Builder
	sb.Grow(n)
	for range n {
		i, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", err
		}
		sb.WriteByte(nameAlphabet[i.Int64()])
	}
	return sb.String(), nil
}
