package submission

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"preconsult/internal/consultation"
	"preconsult/internal/store"
)

var ErrNotFound = errors.New("submission not found")

// Record is a stored intake.
type Record struct {
	ID           uuid.UUID                      `json:"id"`
	SessionID    string                         `json:"session_id"`
	Demographics consultation.Demographics      `json:"demographics"`
	Responses    []consultation.MedicalResponse `json:"responses"`
	SubmittedAt  time.Time                      `json:"submitted_at"`
}

// Repository stores one submission per session; saving again replaces it.
type Repository interface {
	Save(ctx context.Context, rec *Record) error
	GetBySession(ctx context.Context, sessionID string) (*Record, error)
}

type sqlRepo struct {
	db *store.DB
}

func NewRepository(db *store.DB) Repository {
	return &sqlRepo{db: db}
}

func (r *sqlRepo) Save(ctx context.Context, rec *Record) error {
	responsesJSON, err := json.Marshal(rec.Responses)
	if err != nil {
		return err
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = time.Now().UTC()
	}

	query := r.db.Rebind(`
		INSERT INTO submissions (session_id, id, name, dob, gender, responses, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			name = excluded.name,
			dob = excluded.dob,
			gender = excluded.gender,
			responses = excluded.responses,
			submitted_at = excluded.submitted_at
		RETURNING id
	`)
	d := rec.Demographics
	var id string
	err = r.db.QueryRowContext(ctx, query,
		rec.SessionID, rec.ID.String(), d.Name, d.DateOfBirth, d.Gender, string(responsesJSON), rec.SubmittedAt).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to save submission: %w", err)
	}
	// a resubmission keeps the id of the first one
	if rec.ID, err = uuid.Parse(id); err != nil {
		return fmt.Errorf("failed to parse submission id: %w", err)
	}
	return nil
}

func (r *sqlRepo) GetBySession(ctx context.Context, sessionID string) (*Record, error) {
	query := r.db.Rebind(`SELECT id, session_id, name, dob, gender, responses, submitted_at FROM submissions WHERE session_id = ?`)

	var (
		rec           Record
		id            string
		responsesJSON string
	)
	err := r.db.QueryRowContext(ctx, query, sessionID).Scan(
		&id,
		&rec.SessionID,
		&rec.Demographics.Name,
		&rec.Demographics.DateOfBirth,
		&rec.Demographics.Gender,
		&responsesJSON,
		&rec.SubmittedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if rec.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("failed to parse submission id: %w", err)
	}
	if err := json.Unmarshal([]byte(responsesJSON), &rec.Responses); err != nil {
		return nil, fmt.Errorf("failed to unmarshal responses: %w", err)
	}
	return &rec, nil
}

// MemoryRepository keeps submissions in process memory.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]Record)}
}

func (m *MemoryRepository) Save(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.records[rec.SessionID]; ok {
		rec.ID = prev.ID
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = time.Now().UTC()
	}
	cp := *rec
	cp.Responses = append([]consultation.MedicalResponse(nil), rec.Responses...)
	m.records[rec.SessionID] = cp
	return nil
}

func (m *MemoryRepository) GetBySession(_ context.Context, sessionID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}
