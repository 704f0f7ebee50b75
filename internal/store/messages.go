package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chenxiaofie/memory-mcp/internal/models"
)

// NewID returns a prefixed short id, e.g. "ep_1f2e3d4c".
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// AppendMessage writes one message to the append-only log and mirrors it
// into the active-session buffer. The log write is a single O_APPEND line,
// so concurrent invocation processes interleave whole messages, never bytes.
func (s *Store) AppendMessage(msg models.Message) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(s.projectDir, messagesFile),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open message log: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append message: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close message log: %w", err)
	}

	sess, err := s.LoadSession()
	if err != nil {
		return err
	}
	if sess.Episode == nil || sess.Episode.ID != msg.EpisodeID {
		return nil
	}
	sess.Messages = append(sess.Messages, msg)
	return s.SaveSession(sess)
}

// MessagesForEpisode reads the log and returns one episode's messages in
// timestamp order. Unparseable lines are skipped, not fatal: the log is the
// one file written without replace semantics.
func (s *Store) MessagesForEpisode(episodeID string) ([]models.Message, error) {
	var out []models.Message
	err := s.scanMessages(func(msg models.Message, _ string) {
		if msg.EpisodeID == episodeID {
			out = append(out, msg)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// CountMessages returns the number of lines in the message log.
func (s *Store) CountMessages() (int, error) {
	n := 0
	err := s.scanMessages(func(models.Message, string) { n++ })
	return n, err
}

// PruneMessages rewrites the log keeping only messages newer than the given
// age in days. Lines that fail to parse are kept rather than silently lost.
func (s *Store) PruneMessages(olderThanDays int) (removed, kept int, err error) {
	path := filepath.Join(s.projectDir, messagesFile)
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)

	var keptLines []string
	err = s.scanMessages(func(msg models.Message, raw string) {
		if msg.Timestamp.IsZero() || msg.Timestamp.After(cutoff) {
			keptLines = append(keptLines, raw)
		} else {
			removed++
		}
	})
	if errors.Is(err, os.ErrNotExist) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	kept = len(keptLines)
	if removed == 0 {
		return 0, kept, nil
	}

	var b strings.Builder
	for _, line := range keptLines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if err := writeFileAtomic(path, []byte(b.String())); err != nil {
		return 0, 0, err
	}
	return removed, kept, nil
}

// ClearMessages truncates the message log and returns how many lines it held.
func (s *Store) ClearMessages() (int, error) {
	n, err := s.CountMessages()
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if err := writeFileAtomic(filepath.Join(s.projectDir, messagesFile), nil); err != nil {
		return 0, err
	}
	return n, nil
}

// scanMessages runs fn over every line of the log. A message that fails to
// decode is passed through with zero fields so callers can decide to keep it.
func (s *Store) scanMessages(fn func(msg models.Message, raw string)) error {
	f, err := os.Open(filepath.Join(s.projectDir, messagesFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open message log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := scanner.Text()
		if strings.TrimSpace(raw) == "" {
			continue
		}
		var msg models.Message
		_ = json.Unmarshal([]byte(raw), &msg)
		fn(msg, raw)
	}
	return scanner.Err()
}
