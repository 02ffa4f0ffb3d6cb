package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"preconsult/internal/consultation"
)

const (
	msgSubmitted = "Pre-consultation data submitted."
	msgFailed    = "Failed to submit data"
)

// ReportService delivers a submitted intake to the doctor.
type ReportService interface {
	SendDoctorReport(ctx context.Context, rec Record) error
}

// Service validates and stores finished intakes. Failures are reported in
// the result rather than as errors; only cancellation is returned as an error.
type Service struct {
	repo    Repository
	reports ReportService
	sleeper consultation.Sleeper
	latency time.Duration
	log     *zap.Logger
}

// NewService builds the submission service. reports may be nil.
func NewService(repo Repository, reports ReportService, latency time.Duration, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:    repo,
		reports: reports,
		sleeper: consultation.RealSleeper(),
		latency: latency,
		log:     log.With(zap.String("component", "submission")),
	}
}

func (s *Service) Submit(ctx context.Context, sub consultation.Submission) (consultation.SubmitResult, error) {
	if err := validate(sub); err != nil {
		s.log.Warn("Rejected submission", zap.String("session_id", sub.SessionID), zap.Error(err))
		return consultation.SubmitResult{Success: false, Message: msgFailed}, nil
	}

	// simulated remote latency
	if err := s.sleeper.Sleep(ctx, s.latency); err != nil {
		return consultation.SubmitResult{}, err
	}

	rec := &Record{
		SessionID:    sub.SessionID,
		Demographics: sub.Demographics,
		Responses:    sub.Responses,
	}
	if err := s.repo.Save(ctx, rec); err != nil {
		s.log.Error("Error submitting data", zap.String("session_id", sub.SessionID), zap.Error(err))
		return consultation.SubmitResult{Success: false, Message: msgFailed}, nil
	}
	s.log.Info("Submitted patient data",
		zap.String("session_id", rec.SessionID),
		zap.String("submission_id", rec.ID.String()),
		zap.Int("responses", len(rec.Responses)))

	if s.reports != nil {
		if err := s.reports.SendDoctorReport(ctx, *rec); err != nil {
			s.log.Warn("Failed to send doctor report", zap.String("session_id", rec.SessionID), zap.Error(err))
		}
	}
	return consultation.SubmitResult{Success: true, Message: msgSubmitted}, nil
}

func validate(sub consultation.Submission) error {
	if sub.SessionID == "" {
		return errors.New("missing session id")
	}
	if !sub.Demographics.Complete() {
		return errors.New("incomplete demographics")
	}
	if _, err := time.Parse(consultation.DateLayout, sub.Demographics.DateOfBirth); err != nil {
		return fmt.Errorf("invalid date of birth: %w", err)
	}
	if len(sub.Responses) == 0 {
		return errors.New("no responses")
	}
	for i, r := range sub.Responses {
		if r.Question == "" || r.Answer == "" {
			return fmt.Errorf("response %d is incomplete", i+1)
		}
	}
	return nil
}
