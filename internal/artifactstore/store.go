// Copyright 2025 James Ross

// Package artifactstore implements the disk-first blob tier with optional DB
// fallback described in spec §4.E: every artifact is written to a local
// on-disk cache first (fast, avoids cross-region DB round trips for
// intermediate results), with the durable `artifacts` table used as a
// fallback/backing store unless explicitly skipped per type.
package artifactstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cardforge/runtime/internal/config"
	"github.com/klauspost/compress/zlib"
)

// Artifact mirrors the AnalysisArtifact row/disk record (spec §3).
type Artifact struct {
	JobID   string
	CardID  *int64
	Type    string
	Payload map[string]any
	FileURL *string
}

// Store is the disk-first blob store with optional Postgres/sqlite fallback.
type Store struct {
	db      *sql.DB
	dialect string
	cfg     config.Artifact

	skipTypes map[string]struct{}
}

// New builds a Store. db may be nil, which behaves as if cfg.DBDisabled were
// true (used by tests and disk-only deployments).
func New(db *sql.DB, dialect string, cfg config.Artifact) *Store {
	skip := make(map[string]struct{}, len(cfg.SkipDBTypes))
	for _, t := range cfg.SkipDBTypes {
		skip[t] = struct{}{}
	}
	return &Store{db: db, dialect: strings.ToLower(strings.TrimSpace(dialect)), cfg: cfg, skipTypes: skip}
}

func (s *Store) isPostgres() bool { return s.dialect == "postgres" }

func (s *Store) dbDisabled() bool { return s.db == nil || s.cfg.DBDisabled }

func (s *Store) shouldSkipDB(artifactType string) bool {
	t := strings.TrimSpace(artifactType)
	if t == "" {
		return false
	}
	if _, ok := s.skipTypes[t]; ok {
		return true
	}
	for _, p := range s.cfg.SkipDBPrefixes {
		if p != "" && strings.HasPrefix(t, p) {
			return true
		}
	}
	return false
}

// b64 encodes a string using URL-safe base64 without padding, the same
// filesystem-safe encoding eventstore's realtime tier uses for its Redis key
// segments (spec §4.E "encode type into a filename").
func b64(v string) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString([]byte(v)), "=")
}

type diskRecord struct {
	Payload map[string]any `json:"payload"`
	FileURL *string        `json:"file_url"`
	CardID  *int64         `json:"card_id"`
}

func (s *Store) encode(rec diskRecord, maxBytes int64) ([]byte, bool) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, false
	}
	out := append([]byte("j"), raw...)
	if s.cfg.Compress {
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, werr := w.Write(raw); werr == nil && w.Close() == nil {
			compressed := buf.Bytes()
			if len(compressed) < len(raw) {
				out = append([]byte("z"), compressed...)
			}
		}
	}
	if maxBytes > 0 && int64(len(out)) > maxBytes {
		return nil, false
	}
	return out, true
}

func decode(raw []byte) (diskRecord, bool) {
	var rec diskRecord
	if len(raw) == 0 {
		return rec, false
	}
	prefix, body := raw[:1], raw[1:]
	switch string(prefix) {
	case "z":
		r, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return rec, false
		}
		defer r.Close()
		decompressed, err := io.ReadAll(r)
		if err != nil {
			return rec, false
		}
		body = decompressed
	case "j":
		// already plain JSON
	default:
		body = raw
	}
	if err := json.Unmarshal(body, &rec); err != nil {
		return rec, false
	}
	return rec, true
}

func (s *Store) diskPath(jobID, artifactType string) string {
	return filepath.Join(s.cfg.DiskDir, jobID, b64(artifactType)+".bin")
}

func (s *Store) diskGet(jobID, artifactType string) (*Artifact, bool) {
	if s.cfg.DiskDir == "" {
		return nil, false
	}
	path := s.diskPath(jobID, artifactType)
	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if s.cfg.DiskTTL > 0 && time.Since(info.ModTime()) > s.cfg.DiskTTL {
		_ = os.Remove(path)
		return nil, false
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	rec, ok := decode(raw)
	if !ok {
		return nil, false
	}
	payload := rec.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return &Artifact{JobID: jobID, CardID: rec.CardID, Type: artifactType, Payload: payload, FileURL: rec.FileURL}, true
}

func (s *Store) diskSet(jobID string, cardID *int64, artifactType string, payload map[string]any, fileURL *string) bool {
	if s.cfg.DiskDir == "" {
		return false
	}
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, ok := s.encode(diskRecord{Payload: payload, FileURL: fileURL, CardID: cardID}, s.cfg.DiskMaxBytes)
	if !ok {
		return false
	}
	path := s.diskPath(jobID, artifactType)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		_ = os.Remove(tmp)
		return false
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return false
	}
	return true
}

// SaveArtifact writes an artifact to disk first, then to the DB unless the
// type is configured to skip the DB or the DB tier is disabled outright
// (spec §4.E "disk-first blob tier + DB fallback").
func (s *Store) SaveArtifact(ctx context.Context, in Artifact) (*Artifact, error) {
	if in.Payload == nil {
		in.Payload = map[string]any{}
	}
	diskOK := s.diskSet(in.JobID, in.CardID, in.Type, in.Payload, in.FileURL)

	if diskOK && (s.shouldSkipDB(in.Type) || s.dbDisabled()) {
		return &in, nil
	}
	if s.dbDisabled() {
		return &in, nil
	}

	if err := s.upsertDB(ctx, in); err != nil {
		return nil, fmt.Errorf("save artifact: %w", err)
	}
	if !diskOK {
		// Best-effort: keep the fast disk path warm even if the first write failed.
		s.diskSet(in.JobID, in.CardID, in.Type, in.Payload, in.FileURL)
	}
	return &in, nil
}

func (s *Store) ph(i int) string {
	if s.isPostgres() {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

func (s *Store) upsertDB(ctx context.Context, in Artifact) error {
	payloadJSON, err := json.Marshal(in.Payload)
	if err != nil {
		return fmt.Errorf("marshal artifact payload: %w", err)
	}
	var cardID any
	if in.CardID != nil {
		cardID = *in.CardID
	}
	var fileURL any
	if in.FileURL != nil {
		fileURL = *in.FileURL
	}
	now := time.Now().UTC()
	if s.isPostgres() {
		q := `INSERT INTO artifacts (job_id, card_id, type, payload, file_url, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$6)
			ON CONFLICT (job_id, type) DO UPDATE SET card_id=$2, payload=$4, file_url=$5, updated_at=$6`
		_, err = s.db.ExecContext(ctx, q, in.JobID, cardID, in.Type, payloadJSON, fileURL, now)
		return err
	}
	q := fmt.Sprintf(`INSERT INTO artifacts (job_id, card_id, type, payload, file_url, created_at, updated_at)
		VALUES (%s,%s,%s,%s,%s,%s,%s)
		ON CONFLICT (job_id, type) DO UPDATE SET card_id=%s, payload=%s, file_url=%s, updated_at=%s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(6), s.ph(2), s.ph(4), s.ph(5), s.ph(6))
	_, err = s.db.ExecContext(ctx, q, in.JobID, cardID, in.Type, payloadJSON, fileURL, now)
	return err
}

// GetArtifact reads from disk first, falling back to the DB and re-warming
// the disk cache on a DB hit (spec §4.E).
func (s *Store) GetArtifact(ctx context.Context, jobID, artifactType string) (*Artifact, error) {
	if cached, ok := s.diskGet(jobID, artifactType); ok {
		return cached, nil
	}
	if s.dbDisabled() {
		return nil, nil
	}

	var (
		payloadRaw []byte
		cardID     sql.NullInt64
		fileURL    sql.NullString
	)
	q := fmt.Sprintf(`SELECT card_id, payload, file_url FROM artifacts WHERE job_id=%s AND type=%s ORDER BY id DESC LIMIT 1`, s.ph(1), s.ph(2))
	row := s.db.QueryRowContext(ctx, q, jobID, artifactType)
	if err := row.Scan(&cardID, &payloadRaw, &fileURL); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get artifact: %w", err)
	}

	payload := map[string]any{}
	if len(payloadRaw) > 0 {
		_ = json.Unmarshal(payloadRaw, &payload)
	}
	art := &Artifact{JobID: jobID, Type: artifactType, Payload: payload}
	if cardID.Valid {
		v := cardID.Int64
		art.CardID = &v
	}
	if fileURL.Valid {
		v := fileURL.String
		art.FileURL = &v
	}
	s.diskSet(jobID, art.CardID, artifactType, payload, art.FileURL)
	return art, nil
}
