package engine

// Cascade batches are written to the journal before they reach the store so
// a batch interrupted mid-apply can be replayed by Recover.

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// Journal commands.
const (
	JournalBegin  = "begin"
	JournalCommit = "commit"
	JournalAbort  = "abort"
)

const journalDateLayout = "2006-01-02"

var journalDatePattern = regexp.MustCompile(`_(\d{4}-\d{2}-\d{2})$`)

// JournalEntry represents a single line in the journal.
type JournalEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Command   string          `json:"command"`
	BatchID   string          `json:"batchId"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// Journal is an append-only log of record batches, one file per day.
type Journal struct {
	mu            sync.Mutex
	file          *os.File  // File handle for the journal file
	baseFilePath  string    // Base path for journal files (without date)
	currentDate   time.Time // The date of the current journal file
	currentSize   int64
	retentionDays int
	clock         func() time.Time
}

// NewJournal creates a new journal instance. Files older than retentionDays
// are removed by CleanupOldJournals; zero keeps everything.
func NewJournal(journalFilePath string, retentionDays int) (*Journal, error) {
	journal := &Journal{
		baseFilePath:  getBaseFilePath(journalFilePath),
		retentionDays: retentionDays,
		clock:         time.Now,
	}
	if err := journal.ensureCorrectFileOpen(); err != nil {
		return nil, err
	}
	return journal, nil
}

// getBaseFilePath extracts the base path without date component
func getBaseFilePath(journalFilePath string) string {
	dir := filepath.Dir(journalFilePath)
	baseName := strings.TrimSuffix(filepath.Base(journalFilePath), filepath.Ext(journalFilePath))
	baseName = journalDatePattern.ReplaceAllString(baseName, "")
	return filepath.Join(dir, baseName)
}

func (j *Journal) fileFor(day time.Time) string {
	return fmt.Sprintf("%s_%s.journal", j.baseFilePath, day.Format(journalDateLayout))
}

// ensureCorrectFileOpen ensures the correct journal file is open based on current date
func (j *Journal) ensureCorrectFileOpen() error {
	today := j.clock().UTC().Truncate(24 * time.Hour)
	if j.file != nil && j.currentDate.Equal(today) {
		return nil
	}

	if j.file != nil {
		if err := j.file.Close(); err != nil {
			return fmt.Errorf("failed to close previous journal file: %w", err)
		}
		j.file = nil
	}

	fileName := j.fileFor(today)
	if err := os.MkdirAll(filepath.Dir(fileName), 0755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}
	file, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal file %s: %w", fileName, err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to get journal file stats: %w", err)
	}

	j.file = file
	j.currentDate = today
	j.currentSize = stat.Size()
	return nil
}

func (j *Journal) addEntry(command, batchID string, details []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.ensureCorrectFileOpen(); err != nil {
		return err
	}
	entry := JournalEntry{
		Timestamp: j.clock().UTC(),
		Command:   command,
		BatchID:   batchID,
		Details:   details,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("failed to write to journal file: %w", err)
	}
	if command == JournalBegin {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync journal file: %w", err)
		}
	}
	j.currentSize += int64(len(line))
	return nil
}

// Begin logs a batch before it is applied. The batch is stored as canonical
// extended JSON so value kinds survive the round trip.
func (j *Journal) Begin(batch *RecordBatch) error {
	details, err := bson.MarshalExtJSON(batch, true, false)
	if err != nil {
		return fmt.Errorf("failed to encode batch %s: %w", batch.ID, err)
	}
	return j.addEntry(JournalBegin, batch.ID, details)
}

// Commit marks a batch as applied.
func (j *Journal) Commit(batchID string) error {
	return j.addEntry(JournalCommit, batchID, nil)
}

// Abort marks a batch the store rejected.
func (j *Journal) Abort(batchID string) error {
	return j.addEntry(JournalAbort, batchID, nil)
}

// files lists every journal file of this base path, oldest first.
func (j *Journal) files() ([]string, error) {
	matches, err := filepath.Glob(j.baseFilePath + "_*.journal")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// Pending returns the batches that were begun but never committed or
// aborted, in journal order.
func (j *Journal) Pending() ([]*RecordBatch, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	files, err := j.files()
	if err != nil {
		return nil, fmt.Errorf("failed to list journal files: %w", err)
	}

	open := make(map[string]*RecordBatch)
	var order []string
	for _, name := range files {
		if err := readJournalFile(name, func(entry JournalEntry) error {
			switch entry.Command {
			case JournalBegin:
				batch := &RecordBatch{}
				if err := bson.UnmarshalExtJSON(entry.Details, true, batch); err != nil {
					return fmt.Errorf("batch %s: %w", entry.BatchID, err)
				}
				open[entry.BatchID] = batch
				order = append(order, entry.BatchID)
			case JournalCommit, JournalAbort:
				delete(open, entry.BatchID)
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	var pending []*RecordBatch
	for _, id := range order {
		if batch, ok := open[id]; ok {
			pending = append(pending, batch)
			delete(open, id)
		}
	}
	return pending, nil
}

func readJournalFile(name string, fn func(JournalEntry) error) error {
	file, err := os.Open(name)
	if err != nil {
		return fmt.Errorf("failed to open journal file %s: %w", name, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry JournalEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			// a torn final line from a crash is ignored
			continue
		}
		if err := fn(entry); err != nil {
			return fmt.Errorf("journal file %s: %w", name, err)
		}
	}
	return scanner.Err()
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		if err := j.file.Close(); err != nil {
			return fmt.Errorf("failed to close journal file: %w", err)
		}
		j.file = nil
	}
	return nil
}

// CleanupOldJournals removes journal files dated before the retention
// window and returns how many were removed. The open file is never removed.
func (j *Journal) CleanupOldJournals() (int, error) {
	if j.retentionDays <= 0 {
		return 0, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := j.clock().UTC().Truncate(24*time.Hour).AddDate(0, 0, -j.retentionDays)
	files, err := j.files()
	if err != nil {
		return 0, fmt.Errorf("failed to list journal files: %w", err)
	}
	removed := 0
	for _, name := range files {
		base := strings.TrimSuffix(filepath.Base(name), ".journal")
		m := journalDatePattern.FindStringSubmatch(base)
		if m == nil {
			continue
		}
		day, err := time.Parse(journalDateLayout, m[1])
		if err != nil || !day.Before(cutoff) || day.Equal(j.currentDate) {
			continue
		}
		if err := os.Remove(name); err != nil {
			return removed, fmt.Errorf("failed to remove journal file %s: %w", name, err)
		}
		removed++
	}
	return removed, nil
}
