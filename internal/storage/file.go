package storage

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/karin0/bili-live-bot/pkg/logx"
)

// fileStore keeps everything in plain files next to Path:
//
//   - <prefix>.audit.jsonl           append-only audit log
//   - <prefix>.aliases.snapshot.json alias map snapshot
//   - <prefix>.aliases.journal.jsonl alias writes since the snapshot
//
// The journal is compacted into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger
	ttl time.Duration

	mu sync.Mutex

	auditFile *os.File

	snapshotPath string
	journalFile  *os.File
	aliases      map[int64]aliasRecord
	writes       int
}

const compactEvery = 256

type aliasRecord struct {
	ID        int64 `json:"id"`
	Canonical int64 `json:"canonical"`
	At        int64 `json:"at"` // unix milli
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		ttl:          cfg.AliasTTL,
		auditFile:    af,
		snapshotPath: prefix + ".aliases.snapshot.json",
		aliases:      map[int64]aliasRecord{},
	}
	journalPath := prefix + ".aliases.journal.jsonl"
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("alias snapshot unreadable", logx.Err(err))
	}
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("alias journal unreadable", logx.Err(err))
	}
	s.pruneLocked()

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	s.journalFile = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	if s.journalFile != nil {
		errs = append(errs, s.journalFile.Close())
		s.journalFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutRoomAlias(_ context.Context, id, canonical int64) error {
	rec := aliasRecord{ID: id, Canonical: canonical, At: time.Now().UnixMilli()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("alias journal closed")
	}
	s.aliases[id] = rec
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("alias compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetRoomAlias(_ context.Context, id int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.aliases[id]
	if !ok || s.expired(rec, time.Now()) {
		return 0, false, nil
	}
	return rec.Canonical, true, nil
}

func (s *fileStore) expired(rec aliasRecord, now time.Time) bool {
	return now.Sub(time.UnixMilli(rec.At)) > s.ttl
}

func (s *fileStore) pruneLocked() {
	now := time.Now()
	for id, rec := range s.aliases {
		if s.expired(rec, now) {
			delete(s.aliases, id)
		}
	}
}

func (s *fileStore) compactLocked() error {
	s.pruneLocked()
	recs := make([]aliasRecord, 0, len(s.aliases))
	for _, rec := range s.aliases {
		recs = append(recs, rec)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(recs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var recs []aliasRecord
	if err := json.NewDecoder(f).Decode(&recs); err != nil {
		return err
	}
	for _, rec := range recs {
		s.aliases[rec.ID] = rec
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec aliasRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil || rec.ID == 0 {
			continue
		}
		s.aliases[rec.ID] = rec
	}
	return sc.Err()
}
