package store

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"origami_catalog/internal/config"
)

// atomicWriteFile writes data to a temporary file and then renames it to the target path.
// The target is never observable in a partially written state.
// tmpDir must be on the same filesystem as path; empty means the target's directory.
func atomicWriteFile(path string, data []byte, tmpDir, tmpPattern string) error {
	dir := tmpDir
	if dir == "" {
		dir = filepath.Dir(path)
	}

	tmpFile, err := os.CreateTemp(dir, tmpPattern)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	// Rename成功後ならエラーになるだけなので無視、失敗時ならゴミ掃除
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath) //nolint:errcheck
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	// 確実にディスクに同期
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Chmod(tmpPath, config.DataFilePermission); err != nil {
		log.Printf("failed to chmod temp file: %v", err)
	}

	// アトミックにリネーム
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to target: %w", err)
	}

	return nil
}
