package wal

import (
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const (
	filePrefix = "wal_"
	fileExt    = ".log"
)

func FileName(number uint64) string {
	return filePrefix + strconv.FormatUint(number, 10) + fileExt
}

// ParseFileNumber extracts N from a wal_<N>.log path.
func ParseFileNumber(path string) (uint64, bool) {
	name := filepath.Base(path)
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileExt), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Paths lists the logs in dir in ascending number order, which is creation order.
func Paths(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, filePrefix+"*"+fileExt))
	if err != nil {
		return nil, err
	}

	numbered := matches[:0]
	for _, m := range matches {
		if _, ok := ParseFileNumber(m); ok {
			numbered = append(numbered, m)
		}
	}
	slices.SortFunc(numbered, func(a, b string) int {
		na, _ := ParseFileNumber(a)
		nb, _ := ParseFileNumber(b)
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	})
	return numbered, nil
}
