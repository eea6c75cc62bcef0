// Package sentstore is the crash-safe "already sent" ledger: an append-only
// JSONL file replayed into memory at open time, with an optional
// human-readable mirror. It outlives individual jobs and accretes records
// across many runs.
package sentstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"bulksend/internal/models"
)

const mirrorHeader = "# bulksend delivery log (human readable)\n# sent_at (UTC) | email | name | job_id\n"

// Store answers "was this address already delivered to" and records new
// deliveries. The backing ledger is single-writer for the duration of a job.
type Store struct {
	path     string
	textPath string
	log      *zap.Logger

	emails map[string]struct{}

	// Batch-session handles; nil outside a batch.
	ledger *os.File
	mirror *os.File
}

// Open loads the ledger at path into memory. Blank and malformed lines are
// skipped rather than failing the open. textPath, when non-empty, enables
// the human-readable mirror.
func Open(path, textPath string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sent store: create directory: %w", err)
		}
	}

	s := &Store{
		path:     path,
		textPath: textPath,
		log:      log,
		emails:   make(map[string]struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("sent store: open ledger: %w", err)
	}
	defer f.Close()

	skipped := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record models.DeliveryRecord
		if err := json.Unmarshal(line, &record); err != nil {
			skipped++
			continue
		}
		email := models.NormalizeEmail(record.Email)
		if email == "" {
			skipped++
			continue
		}
		s.emails[email] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("sent store: read ledger: %w", err)
	}
	if skipped > 0 {
		s.log.Warn("skipped malformed ledger lines",
			zap.String("path", s.path),
			zap.Int("skipped", skipped),
		)
	}
	s.log.Info("sent store loaded",
		zap.String("path", s.path),
		zap.Int("records", len(s.emails)),
	)
	return nil
}

// Count returns how many distinct delivered addresses the store knows.
func (s *Store) Count() int { return len(s.emails) }

// IsSent reports whether the normalized address already has a delivery
// record.
func (s *Store) IsSent(email string) bool {
	_, ok := s.emails[models.NormalizeEmail(email)]
	return ok
}

// BeginBatch opens the ledger (and mirror) handles for the duration of many
// appends. Batch and no-session appends produce byte-identical content; the
// session only avoids repeated open/close overhead during a long job.
func (s *Store) BeginBatch() error {
	ledger, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sent store: open ledger for batch: %w", err)
	}
	s.ledger = ledger

	if s.textPath != "" {
		mirror, err := os.OpenFile(s.textPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			ledger.Close()
			s.ledger = nil
			return fmt.Errorf("sent store: open mirror for batch: %w", err)
		}
		s.mirror = mirror
	}
	return nil
}

// EndBatch flushes and closes the batch handles.
func (s *Store) EndBatch() error {
	var firstErr error
	if s.ledger != nil {
		if err := s.ledger.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.ledger = nil
	}
	if s.mirror != nil {
		if err := s.mirror.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.mirror = nil
	}
	return firstErr
}

// Append writes one delivery record to the ledger and, when configured, one
// formatted line to the mirror, flushing to stable storage before returning.
// The in-memory set is updated only after the writes.
func (s *Store) Append(email, name, jobID string) error {
	record := models.DeliveryRecord{
		Email:  models.NormalizeEmail(email),
		Name:   name,
		JobID:  jobID,
		SentAt: time.Now().UTC(),
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("sent store: encode record: %w", err)
	}
	line = append(line, '\n')

	if err := s.writeLedger(line); err != nil {
		return err
	}
	if s.textPath != "" {
		if err := s.writeMirror(record); err != nil {
			return err
		}
	}

	s.emails[record.Email] = struct{}{}
	return nil
}

func (s *Store) writeLedger(line []byte) error {
	if s.ledger != nil {
		return appendAndSync(s.ledger, line)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sent store: open ledger: %w", err)
	}
	defer f.Close()
	return appendAndSync(f, line)
}

func (s *Store) writeMirror(record models.DeliveryRecord) error {
	line := fmt.Sprintf("%s | %s | %s | %s\n",
		record.SentAt.Format("2006-01-02 15:04:05"),
		record.Email,
		record.Name,
		record.JobID,
	)

	if s.mirror != nil {
		header, err := s.mirrorNeedsHeader(s.mirror)
		if err != nil {
			return err
		}
		if header {
			if err := appendAndSync(s.mirror, []byte(mirrorHeader)); err != nil {
				return err
			}
		}
		return appendAndSync(s.mirror, []byte(line))
	}

	f, err := os.OpenFile(s.textPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sent store: open mirror: %w", err)
	}
	defer f.Close()
	header, err := s.mirrorNeedsHeader(f)
	if err != nil {
		return err
	}
	if header {
		if err := appendAndSync(f, []byte(mirrorHeader)); err != nil {
			return err
		}
	}
	return appendAndSync(f, []byte(line))
}

func (s *Store) mirrorNeedsHeader(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("sent store: stat mirror: %w", err)
	}
	return info.Size() == 0, nil
}

func appendAndSync(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("sent store: write %s: %w", f.Name(), err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sent store: sync %s: %w", f.Name(), err)
	}
	return nil
}
