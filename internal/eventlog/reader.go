package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ReadFile parses one journal file. A line that fails to parse is
// treated as the corrupt tail: everything before it is returned,
// everything from it on is discarded. Skipped returns how many bytes
// were dropped so recovery can log what it lost.
func ReadFile(path string) (entries []Entry, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			skipped = len(line)
			break
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, skipped, fmt.Errorf("event log scan failed: %w", err)
	}
	return entries, skipped, nil
}

// Days lists the journal days present for a process prefix, ascending.
func Days(dir, prefix string) ([]string, error) {
	pattern := filepath.Join(dir, prefix+"-*.jsonl")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}

	days := make([]string, 0, len(matches))
	for _, m := range matches {
		base := filepath.Base(m)
		day := strings.TrimSuffix(strings.TrimPrefix(base, prefix+"-"), ".jsonl")
		days = append(days, day)
	}
	sort.Strings(days)
	return days, nil
}

// ReadDay parses the journal for one UTC day.
func ReadDay(dir, prefix, day string) ([]Entry, int, error) {
	return ReadFile(filepath.Join(dir, fmt.Sprintf("%s-%s.jsonl", prefix, day)))
}

// ReadLatest parses the most recent day's journal, which is what crash
// recovery wants. Returns false when no journal exists yet.
func ReadLatest(dir, prefix string) ([]Entry, bool, error) {
	days, err := Days(dir, prefix)
	if err != nil {
		return nil, false, err
	}
	if len(days) == 0 {
		return nil, false, nil
	}

	entries, _, err := ReadDay(dir, prefix, days[len(days)-1])
	if err != nil {
		return nil, false, err
	}
	return entries, true, nil
}

// Replay streams every entry across all days in order through fn,
// stopping at the first error fn returns.
func Replay(dir, prefix string, fn func(Entry) error) error {
	days, err := Days(dir, prefix)
	if err != nil {
		return err
	}
	for _, day := range days {
		entries, _, err := ReadDay(dir, prefix, day)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := fn(entry); err != nil {
				return err
			}
		}
	}
	return nil
}
