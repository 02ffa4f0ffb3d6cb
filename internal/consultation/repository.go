package consultation

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"preconsult/internal/store"
)

// Snapshot member keys.
const (
	KeyStep          = "preconsult_step"
	KeyDemographics  = "preconsult_demographics"
	KeyQuestions     = "preconsult_medical_questions"
	KeyResponses     = "preconsult_medical_responses"
	KeyQuestionIndex = "preconsult_current_question_index"
	KeyMessages      = "preconsult_messages"
)

var snapshotKeys = []string{
	KeyStep,
	KeyDemographics,
	KeyQuestions,
	KeyResponses,
	KeyQuestionIndex,
	KeyMessages,
}

// SnapshotStore persists snapshot members as JSON text, one key per member.
// It never returns errors: failed writes are logged and failed reads fall
// back to the member's default.
type SnapshotStore struct {
	kv    store.KV
	scope string
	log   *zap.Logger
}

func NewSnapshotStore(kv store.KV, scope string, log *zap.Logger) *SnapshotStore {
	return &SnapshotStore{
		kv:    kv,
		scope: scope,
		log:   log.With(zap.String("session_id", scope)),
	}
}

func (s *SnapshotStore) Save(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		s.log.Warn("Error serializing session value", zap.String("key", key), zap.Error(err))
		return
	}
	if err := s.kv.Put(ctx, s.scope, key, string(data)); err != nil {
		s.log.Warn("Error saving session value", zap.String("key", key), zap.Error(err))
	}
}

// SaveMembers writes the named members of snap.
func (s *SnapshotStore) SaveMembers(ctx context.Context, snap Snapshot, keys ...string) {
	for _, key := range keys {
		switch key {
		case KeyStep:
			s.Save(ctx, key, snap.Step)
		case KeyDemographics:
			s.Save(ctx, key, snap.Demographics)
		case KeyQuestions:
			s.Save(ctx, key, snap.Questions)
		case KeyResponses:
			s.Save(ctx, key, snap.Responses)
		case KeyQuestionIndex:
			s.Save(ctx, key, snap.QuestionIndex)
		case KeyMessages:
			s.Save(ctx, key, snap.Messages)
		default:
			s.log.Warn("Unknown session key", zap.String("key", key))
		}
	}
}

// Load reads every member, substituting defaults for missing or corrupt ones.
func (s *SnapshotStore) Load(ctx context.Context) Snapshot {
	return Snapshot{
		Step:          load(ctx, s, KeyStep, StepInitial),
		Demographics:  load(ctx, s, KeyDemographics, Demographics{}),
		Questions:     load[[]string](ctx, s, KeyQuestions, nil),
		Responses:     load[[]MedicalResponse](ctx, s, KeyResponses, nil),
		QuestionIndex: load(ctx, s, KeyQuestionIndex, 0),
		Messages:      load[[]Message](ctx, s, KeyMessages, nil),
	}
}

// Clear removes every snapshot member.
func (s *SnapshotStore) Clear(ctx context.Context) {
	if err := s.kv.Delete(ctx, s.scope, snapshotKeys...); err != nil {
		s.log.Warn("Error clearing session", zap.Error(err))
	}
}

func load[T any](ctx context.Context, s *SnapshotStore, key string, def T) T {
	raw, ok, err := s.kv.Get(ctx, s.scope, key)
	if err != nil {
		s.log.Warn("Error loading session value", zap.String("key", key), zap.Error(err))
		return def
	}
	if !ok {
		return def
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		s.log.Warn("Error decoding session value", zap.String("key", key), zap.Error(err))
		return def
	}
	return v
}
