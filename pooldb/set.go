// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

package pooldb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
	"golang.org/x/sys/unix"
)

// setFile is the operator-authored description of one pool: where its
// part file lives and how large the pool is. Set files are JSONC so
// operators can comment them.
type setFile struct {
	// Part is the part file's path relative to the database root.
	Part string `json:"part"`
	// Size is the pool's total size, header included. Either a plain
	// byte count or a string with a binary suffix ("32MiB").
	Size sizeValue `json:"size"`
}

// resolvedSet is a set file after validation, with the part path
// anchored to the database root.
type resolvedSet struct {
	partPath string
	size     int64
}

// readSet loads and validates the set file named by desc. Filesystem
// errors (most usefully ENOENT for an unknown descriptor) pass through
// wrapped so their errno survives.
func (db *DB) readSet(desc string) (*resolvedSet, error) {
	path, err := db.resolve(desc)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pool set: %w", err)
	}
	var set setFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &set); err != nil {
		return nil, fmt.Errorf("parsing pool set %s: %w", desc, err)
	}
	if set.Part == "" || !filepath.IsLocal(set.Part) {
		return nil, fmt.Errorf("pool set %s: part path %q: %w", desc, set.Part, unix.EINVAL)
	}
	if set.Size < HeaderSize {
		return nil, fmt.Errorf("pool set %s: size %d is smaller than the %d-byte header", desc, set.Size, HeaderSize)
	}
	return &resolvedSet{
		partPath: filepath.Join(db.dir, set.Part),
		size:     int64(set.Size),
	}, nil
}

// sizeValue is a byte count that unmarshals from either a JSON number
// or a string with an optional binary suffix: K/KiB, M/MiB, G/GiB,
// T/TiB.
type sizeValue int64

var sizeSuffixes = []struct {
	suffix string
	shift  uint
}{
	{"TiB", 40}, {"T", 40},
	{"GiB", 30}, {"G", 30},
	{"MiB", 20}, {"M", 20},
	{"KiB", 10}, {"K", 10},
}

func (s *sizeValue) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] != '"' {
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("negative size %d", n)
		}
		*s = sizeValue(n)
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	value, err := parseSize(text)
	if err != nil {
		return err
	}
	*s = value
	return nil
}

func parseSize(text string) (sizeValue, error) {
	trimmed := strings.TrimSpace(text)
	shift := uint(0)
	for _, entry := range sizeSuffixes {
		if strings.HasSuffix(trimmed, entry.suffix) {
			trimmed = strings.TrimSuffix(trimmed, entry.suffix)
			shift = entry.shift
			break
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(trimmed), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("size %q: %w", text, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %q", text)
	}
	if shift > 0 && n > (1<<(63-shift))-1 {
		return 0, fmt.Errorf("size %q overflows", text)
	}
	return sizeValue(n << shift), nil
}
