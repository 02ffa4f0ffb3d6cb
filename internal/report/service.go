package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/signintech/gopdf"
	"go.uber.org/zap"

	"preconsult/internal/submission"
)

// ErrNoFont is returned when none of the font paths could be loaded.
var ErrNoFont = errors.New("no usable font for PDF")

// DefaultFontPaths are the usual DejaVuSans locations on Alpine and Debian.
var DefaultFontPaths = []string{
	"/usr/share/fonts/ttf-dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
}

type TelegramClient interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendDocument(ctx context.Context, chatID int64, fileData []byte, fileName string) error
}

type Service struct {
	tgClient     TelegramClient
	doctorChatID int64
	fontPaths    []string
	log          *zap.Logger
}

func NewService(tg TelegramClient, doctorChatID int64, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		tgClient:     tg,
		doctorChatID: doctorChatID,
		fontPaths:    DefaultFontPaths,
		log:          log.With(zap.String("component", "report")),
	}
}

// WithFontPaths overrides where the report font is looked up.
func (s *Service) WithFontPaths(paths ...string) *Service {
	s.fontPaths = paths
	return s
}

// SendDoctorReport posts a short notice and the intake PDF to the doctor's
// chat.
func (s *Service) SendDoctorReport(ctx context.Context, rec submission.Record) error {
	s.log.Info("Generating PDF report", zap.String("session_id", rec.SessionID))

	doc, err := s.Render(rec)
	if err != nil {
		return err
	}

	if err := s.tgClient.SendMessage(ctx, s.doctorChatID, Summary(rec)); err != nil {
		return fmt.Errorf("failed to send report notice: %w", err)
	}

	fileName := fmt.Sprintf("intake_%s.pdf", rec.ID.String())
	if err := s.tgClient.SendDocument(ctx, s.doctorChatID, doc, fileName); err != nil {
		s.log.Error("Error sending Telegram document", zap.Int64("chat_id", s.doctorChatID), zap.Error(err))
		return err
	}
	s.log.Info("PDF report sent", zap.String("file", fileName))
	return nil
}

// Summary is the plain text notice that precedes the PDF.
func Summary(rec submission.Record) string {
	d := rec.Demographics
	return fmt.Sprintf("New pre-consultation intake\nPatient: %s\nDate of birth: %s\nGender: %s\nAnswers: %d",
		d.Name, d.DateOfBirth, d.Gender, len(rec.Responses))
}

// Render lays the intake out as an A4 PDF.
func (s *Service) Render(rec submission.Record) ([]byte, error) {
	pdf := gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	pdf.AddPage()

	var fontErr error
	fontLoaded := false
	for _, path := range s.fontPaths {
		if err := pdf.AddTTFFont("DejaVu", path); err == nil {
			s.log.Debug("Loaded font", zap.String("path", path))
			fontLoaded = true
			break
		} else {
			fontErr = err
		}
	}
	if !fontLoaded {
		return nil, fmt.Errorf("%w: last error: %v", ErrNoFont, fontErr)
	}

	if err := pdf.SetFont("DejaVu", "", 20); err != nil {
		return nil, err
	}
	pdf.Cell(nil, "Pre-consultation intake")
	pdf.Br(30)

	// Patient
	if err := pdf.SetFont("DejaVu", "", 12); err != nil {
		return nil, err
	}
	submitted := rec.SubmittedAt
	if submitted.IsZero() {
		submitted = time.Now()
	}
	for _, line := range []string{
		fmt.Sprintf("Submitted: %s", submitted.Format("02.01.2006 15:04")),
		fmt.Sprintf("Patient: %s", rec.Demographics.Name),
		fmt.Sprintf("Date of birth: %s", rec.Demographics.DateOfBirth),
		fmt.Sprintf("Gender: %s", rec.Demographics.Gender),
	} {
		pdf.Cell(nil, line)
		pdf.Br(15)
	}
	pdf.Br(10)

	if err := pdf.SetFont("DejaVu", "", 14); err != nil {
		return nil, err
	}
	pdf.Cell(nil, "Screening answers:")
	pdf.Br(18)

	for i, r := range rec.Responses {
		if err := pdf.SetFont("DejaVu", "", 11); err != nil {
			return nil, err
		}
		writeWrapped(&pdf, fmt.Sprintf("%d. %s", i+1, r.Question))
		if err := pdf.SetFont("DejaVu", "", 10); err != nil {
			return nil, err
		}
		writeWrapped(&pdf, "   "+r.Answer)
		pdf.Br(8)
	}

	var buf bytes.Buffer
	if _, err := pdf.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write PDF: %w", err)
	}
	return buf.Bytes(), nil
}

func writeWrapped(pdf *gopdf.GoPdf, text string) {
	for _, para := range strings.Split(text, "\n") {
		lines, err := pdf.SplitText(para, 500)
		if err != nil {
			// SplitText rejects empty strings
			lines = []string{para}
		}
		for _, l := range lines {
			if pdf.GetY() > 780 {
				pdf.AddPage()
			}
			pdf.Cell(nil, l)
			pdf.Br(13)
		}
	}
}
