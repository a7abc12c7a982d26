package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
)

// LocalStore keeps archives in a directory on the worker.
type LocalStore struct {
	dir        string
	maxBackups int
	logger     zerolog.Logger
}

func NewLocalStore(dir string, maxBackups int, logger zerolog.Logger) *LocalStore {
	return &LocalStore{
		dir:        dir,
		maxBackups: maxBackups,
		logger:     logger.With().Str("component", "local-store").Logger(),
	}
}

func (s *LocalStore) IsRemote() bool   { return false }
func (s *LocalStore) Location() string { return "local storage" }

// Dir is where archives are written directly.
func (s *LocalStore) Dir() string { return s.dir }

// UploadFile copies localPath into the store unless it already lives there.
func (s *LocalStore) UploadFile(_ context.Context, filename, localPath, _ string) error {
	dest := filepath.Join(s.dir, filepath.Base(filename))
	if filepath.Clean(localPath) == dest {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	return copyFile(localPath, dest)
}

func (s *LocalStore) DownloadFile(_ context.Context, key, destPath string) error {
	return copyFile(filepath.Join(s.dir, filepath.Base(key)), destPath)
}

func (s *LocalStore) List(_ context.Context) ([]BackupFile, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list backup directory: %w", err)
	}

	var files []BackupFile
	for _, e := range entries {
		if !e.Type().IsRegular() || !isBackupFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, BackupFile{Filename: e.Name(), Size: info.Size(), LastModified: info.ModTime()})
	}
	sortNewestFirst(files)
	return files, nil
}

func (s *LocalStore) DeleteOld(ctx context.Context) error {
	files, err := s.List(ctx)
	if err != nil {
		return err
	}
	for _, f := range expired(files, s.maxBackups) {
		if err := os.Remove(filepath.Join(s.dir, f.Filename)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete old backup %s: %w", f.Filename, err)
		}
		s.logger.Info().Str("filename", f.Filename).Msg("deleted old backup")
	}
	return nil
}

func sortNewestFirst(files []BackupFile) {
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].LastModified.After(files[j].LastModified)
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
