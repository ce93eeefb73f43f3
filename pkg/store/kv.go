package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// kv is a parsed "key=value\n" text file.
type kv map[string]string

// parseKV reads a key=value-per-line file. Blank lines are skipped; a line
// without '=' is an error.
func parseKV(path string) (kv, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m := make(kv)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			return nil, fmt.Errorf("%s: malformed line %q (missing '=')", path, line)
		}
		m[line[:idx]] = line[idx+1:]
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// lines renders m as sorted "key=value" lines, used both for on-disk writes
// and as the checksum hash domain. The sort is part of the hash domain, so
// key ordering on disk is irrelevant.
func (m kv) lines() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

// writeAtomic writes content to a ".tmp" sibling of path then renames it
// into place.
func writeAtomic(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// writeKV writes m as sorted key=value lines, atomically.
func writeKV(path string, m kv) error {
	var sb strings.Builder
	for _, line := range m.lines() {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return writeAtomic(path, []byte(sb.String()))
}
