package persistance

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	segmentPrefix = "segment_"
	segmentExt    = ".seg"
	indexPrefix   = "index_"
	indexExt      = ".idx"
	tmpExt        = ".tmp"
)

func SegmentFileName(number uint64) string {
	return segmentPrefix + strconv.FormatUint(number, 10) + segmentExt
}

func IndexFileName(number uint64) string {
	return indexPrefix + strconv.FormatUint(number, 10) + indexExt
}

// ParseFileNumber extracts N from names like <prefix>N<ext>.
func ParseFileNumber(name, prefix, ext string) (uint64, bool) {
	name = filepath.Base(name)
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ext), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SegmentPaths lists segment files in dir.
func SegmentPaths(dir string) ([]string, error) {
	return filepath.Glob(filepath.Join(dir, segmentPrefix+"*"+segmentExt))
}

func IndexPaths(dir string) ([]string, error) {
	return filepath.Glob(filepath.Join(dir, indexPrefix+"*"+indexExt))
}

// RemoveTempFiles deletes leftovers of interrupted segment or index writes.
func RemoveTempFiles(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+tmpExt))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove temp file %s: %w", m, err)
		}
	}
	return nil
}

// writeFileAtomic creates path through a synced temp file and a rename.
func writeFileAtomic(path string, write func(f *os.File) error) (err error) {
	tmp := path + tmpExt
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	if err = write(f); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", tmp, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}

	return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open dir for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync dir: %w", err)
	}
	return nil
}
