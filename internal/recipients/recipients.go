// Package recipients reads recipient list files.
//
// A list file holds one address per line. A line is a recipient iff it is
// non-empty after trimming, contains "@" and holds a single address (no
// whitespace, "," or ";" inside); anything else is skipped without being
// counted.
package recipients

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"
)

// maxLineBytes bounds a single line of a list file
const maxLineBytes = 64 * 1024

// Valid reports whether a trimmed line is a recipient. A line naming
// several addresses would fan out to all of them through header-driven
// transports, so it is rejected.
func Valid(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" || !strings.Contains(line, "@") {
		return false
	}
	return !strings.ContainsFunc(line, func(r rune) bool {
		return r == ',' || r == ';' || unicode.IsSpace(r)
	})
}

// Parse returns the valid recipients of r in file order
func Parse(r io.Reader) ([]string, error) {
	var out []string
	err := scan(r, func(addr string) bool {
		out = append(out, addr)
		return true
	})
	return out, err
}

// Load reads a list file
func Load(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recipient list: %w", err)
	}
	defer f.Close()

	list, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipient list %s: %w", path, err)
	}
	return list, nil
}

// Slice reads the recipients [start, start+limit) of a list file without
// keeping the skipped prefix in memory. limit <= 0 means no limit.
func Slice(path string, start, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recipient list: %w", err)
	}
	defer f.Close()

	var out []string
	i := 0
	err = scan(f, func(addr string) bool {
		if i >= start {
			out = append(out, addr)
		}
		i++
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read recipient list %s: %w", path, err)
	}
	return out, nil
}

// Count returns the number of valid recipients in a list file
func Count(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open recipient list: %w", err)
	}
	defer f.Close()

	n := 0
	if err := scan(f, func(string) bool { n++; return true }); err != nil {
		return 0, fmt.Errorf("failed to read recipient list %s: %w", path, err)
	}
	return n, nil
}

// Domain extracts the lower-cased domain of an address
func Domain(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(addr[at+1:], ">"))
}

func scan(r io.Reader, fn func(addr string) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !Valid(line) {
			continue
		}
		if !fn(line) {
			return nil
		}
	}
	return sc.Err()
}
