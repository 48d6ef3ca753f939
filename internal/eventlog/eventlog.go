// Package eventlog implements the append-only, hash-chained per-trial
// event log: each line embeds its own head = sha256(prev_head ||
// line_without_head), with prev_head empty for the first line, so a
// corrupted or tampered line can be localized rather than only detected
// as a final-head mismatch.
package eventlog

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/antigravity-dev/agentlab/internal/canonjson"
	"github.com/antigravity-dev/agentlab/internal/labrerr"
)

// Log appends chained lines to a single events file, caching the current
// head in memory so append does not need to re-read the whole file on
// every call.
type Log struct {
	mu   sync.Mutex
	path string
	head string // hex digest of the last appended line, "" if empty/new
	file *os.File
}

// Open opens (creating if needed) the events file at path and recomputes
// its current head by replaying existing lines, matching Verify's logic,
// so a process that restarts mid-run resumes the chain correctly.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}

	head, _, err := verifyFile(path)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Log{path: path, head: head, file: f}, nil
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func chainDigest(prevHead, body string) string {
	h := sha256.New()
	h.Write([]byte(prevHead))
	h.Write([]byte(body))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalBody decodes raw as a JSON object, strips any "head" field (a
// caller-supplied line never has one; a stored line always does), and
// re-encodes the rest in canonjson's canonical form. Both Append and
// Verify hash this canonical encoding, not the literal line bytes, so
// the head embedded in a stored line never needs to predict its own
// position in the object's key order.
func canonicalBody(raw []byte) ([]byte, error) {
	var body map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, err
	}
	delete(body, "head")
	return canonjson.CanonicalizeValue(body)
}

// Append writes line (must be a single UTF-8 JSON object with no embedded
// newline and no "head" field of its own) with its computed chain head
// embedded, and returns that head.
func (l *Log) Append(line string) (string, error) {
	if strings.ContainsAny(line, "\n\r") {
		return "", fmt.Errorf("eventlog: line must not contain a newline")
	}

	body, err := canonicalBody([]byte(line))
	if err != nil {
		return "", fmt.Errorf("eventlog: decode line: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	newHead := chainDigest(l.head, string(body))

	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader([]byte(line)))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return "", fmt.Errorf("eventlog: decode line: %w", err)
	}
	obj["head"] = newHead
	final, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("eventlog: marshal line with head: %w", err)
	}

	if _, err := l.file.Write(append(final, '\n')); err != nil {
		return "", fmt.Errorf("eventlog: append to %s: %w", l.path, err)
	}
	if err := l.file.Sync(); err != nil {
		return "", fmt.Errorf("eventlog: sync %s: %w", l.path, err)
	}

	l.head = newHead
	return newHead, nil
}

// Head returns the current chain head without touching the file.
func (l *Log) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// Verify recomputes each line's head field from scratch, chaining
// forward from the previous line's recomputed head regardless of
// whether it matched. Returns the final recomputed head and the index
// of the first line whose stored head does not match the recomputed
// value (-1 if every line verifies cleanly).
func Verify(path string) (head string, firstMismatch int, err error) {
	return verifyFile(path)
}

func verifyFile(path string) (string, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", -1, nil
		}
		return "", -1, fmt.Errorf("eventlog: open %s for verify: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	head := ""
	idx := 0
	mismatch := -1
	for scanner.Scan() {
		line := scanner.Bytes()
		newHead, storedHead, perr := lineHeads(head, line)
		if mismatch == -1 && (perr != nil || storedHead != newHead) {
			mismatch = idx
		}
		head = newHead
		idx++
	}
	if err := scanner.Err(); err != nil {
		return "", idx, labrerr.Wrap(labrerr.ChainCorrupt, fmt.Sprintf("read line %d", idx), err)
	}

	return head, mismatch, nil
}

// lineHeads recomputes line's head from prevHead and returns it
// alongside the head the line itself claims. If line can't be decoded
// as a JSON object, the recomputed head falls back to hashing its raw
// bytes, guaranteeing a mismatch (storedHead is empty) without losing
// chain continuity for any lines after it.
func lineHeads(prevHead string, line []byte) (newHead, storedHead string, err error) {
	body, berr := canonicalBody(line)
	if berr != nil {
		return chainDigest(prevHead, string(line)), "", berr
	}

	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	_ = dec.Decode(&obj)
	storedHead, _ = obj["head"].(string)

	return chainDigest(prevHead, string(body)), storedHead, nil
}

// RecoverTruncate rewrites the file at path to contain only its valid
// prefix, as determined by replaying lines and dropping anything after
// (and including) the first line that fails isValidJSONObjectLine's
// structural check for a single JSON object.
// Returns the number of lines kept and the recovered head.
func RecoverTruncate(path string) (kept int, head string, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, "", nil
		}
		return 0, "", fmt.Errorf("eventlog: open %s for recovery: %w", path, err)
	}

	var validLines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !isValidJSONObjectLine(line) {
			break
		}
		validLines = append(validLines, line)
	}
	f.Close()

	h := ""
	for _, line := range validLines {
		body, err := canonicalBody([]byte(line))
		if err != nil {
			body = []byte(line)
		}
		h = chainDigest(h, string(body))
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "eventlog-recover-*.tmp")
	if err != nil {
		return 0, "", fmt.Errorf("eventlog: create recovery temp file: %w", err)
	}
	tmpPath := tmp.Name()
	w := bufio.NewWriter(tmp)
	for _, line := range validLines {
		if _, err := w.WriteString(line + "\n"); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return 0, "", fmt.Errorf("eventlog: write recovery temp file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, "", fmt.Errorf("eventlog: flush recovery temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, "", fmt.Errorf("eventlog: close recovery temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return 0, "", fmt.Errorf("eventlog: rename recovered file into place: %w", err)
	}

	return len(validLines), h, nil
}

func isValidJSONObjectLine(line string) bool {
	line = strings.TrimSpace(line)
	if len(line) < 2 {
		return false
	}
	if line[0] != '{' || line[len(line)-1] != '}' {
		return false
	}
	// A cheap brace/quote balance check stands in for full JSON
	// validation here; callers that need semantic validation decode the
	// line themselves after RecoverTruncate returns.
	depth := 0
	inString := false
	escaped := false
	for _, r := range line {
		if inString {
			if escaped {
				escaped = false
				continue
			}
			if r == '\\' {
				escaped = true
				continue
			}
			if r == '"' {
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0 && !inString
}
