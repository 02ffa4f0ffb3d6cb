package consultation

import (
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

// DateLayout is the stored form of a date of birth.
const DateLayout = "02/01/2006"

// NativeDateLayout is how date pickers submit a calendar day.
const NativeDateLayout = "2006-01-02"

// Genders are the accepted gender labels.
var Genders = []string{"Male", "Female", "Other"}

// InputError rejects a value at the collector. Inline errors are also shown
// to the patient as a bot message.
type InputError struct {
	Field  string
	Reason string
	Inline bool
}

func (e *InputError) Error() string {
	return e.Field + ": " + e.Reason
}

// Kind names the input widget a renderer must show.
type Kind string

const (
	KindAgreement     Kind = "agreement"
	KindName          Kind = "name"
	KindDateOfBirth   Kind = "dob"
	KindGender        Kind = "gender"
	KindMedicalAnswer Kind = "medical_answer"
	KindRestart       Kind = "restart"
)

type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Prompt describes the active collector to a renderer.
type Prompt struct {
	Kind        Kind     `json:"kind"`
	Title       string   `json:"title,omitempty"`
	Progress    float64  `json:"progress,omitempty"`
	Placeholder string   `json:"placeholder,omitempty"`
	Options     []Option `json:"options,omitempty"`
	Multiline   bool     `json:"multiline,omitempty"`
	MinDate     string   `json:"min_date,omitempty"`
	MaxDate     string   `json:"max_date,omitempty"`
}

// Collector gathers one value for the active step. Each concrete collector
// also has a Collect method that validates raw input.
type Collector interface {
	Kind() Kind
	Prompt() Prompt
}

// Limits are the product bounds the collectors enforce.
type Limits struct {
	MinNameLength int
	MaxAgeYears   int
}

// NewCollector returns the collector for the snapshot's step, or nil for steps
// that take no input.
func NewCollector(s Snapshot, limits Limits, now time.Time) Collector {
	switch s.Step {
	case StepInitial, StepLoadingQuestions, StepSubmitting:
		return nil
	case StepAgreement:
		return AgreementCollector{}
	case StepDemographicsName:
		return NameCollector{MinLength: limits.MinNameLength}
	case StepDemographicsDOB:
		return DateOfBirthCollector{Today: now, MaxAgeYears: limits.MaxAgeYears}
	case StepDemographicsGender:
		return GenderCollector{}
	case StepMedicalQuestions:
		return MedicalAnswerCollector{Index: s.QuestionIndex, Total: len(s.Questions)}
	case StepFinished, StepError, StepEndedByUser:
		return RestartCollector{}
	}
	panic(fmt.Sprintf("consultation: no collector for %v", s.Step))
}

type AgreementCollector struct{}

func (AgreementCollector) Kind() Kind { return KindAgreement }

func (AgreementCollector) Prompt() Prompt {
	return Prompt{
		Kind: KindAgreement,
		Options: []Option{
			{Label: "Yes, I agree", Value: "yes"},
			{Label: "No, thanks", Value: "no"},
		},
	}
}

// Collect maps an option value to the agreement decision.
func (AgreementCollector) Collect(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "yes", "y", "true":
		return true, nil
	case "no", "n", "false":
		return false, nil
	}
	return false, &InputError{Field: "agreement", Reason: "choose yes or no"}
}

type NameCollector struct {
	MinLength int
}

func (NameCollector) Kind() Kind { return KindName }

func (NameCollector) Prompt() Prompt {
	return Prompt{
		Kind:        KindName,
		Title:       "Personal Information - Step 1 of 3",
		Progress:    33.33,
		Placeholder: "Enter your full name...",
	}
}

func (c NameCollector) Collect(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if utf8.RuneCountInString(name) < c.MinLength {
		return "", &InputError{Field: "name", Reason: fmt.Sprintf(MsgNameTooShort, c.MinLength)}
	}
	return name, nil
}

type DateOfBirthCollector struct {
	Today       time.Time
	MaxAgeYears int
}

func (DateOfBirthCollector) Kind() Kind { return KindDateOfBirth }

func (c DateOfBirthCollector) Prompt() Prompt {
	today := calendarDay(c.Today)
	return Prompt{
		Kind:        KindDateOfBirth,
		Title:       "Personal Information - Step 2 of 3",
		Progress:    66.66,
		Placeholder: "DD/MM/YYYY",
		MinDate:     c.earliest().Format(NativeDateLayout),
		MaxDate:     today.Format(NativeDateLayout),
	}
}

func (c DateOfBirthCollector) earliest() time.Time {
	return calendarDay(c.Today).AddDate(-c.MaxAgeYears, 0, 0)
}

// Collect checks a picked calendar day and formats it as DD/MM/YYYY.
func (c DateOfBirthCollector) Collect(date time.Time) (string, error) {
	day := calendarDay(date)
	if day.After(calendarDay(c.Today)) {
		return "", &InputError{Field: "dob", Reason: MsgDOBFuture, Inline: true}
	}
	if day.Before(c.earliest()) {
		return "", &InputError{Field: "dob", Reason: fmt.Sprintf(MsgDOBTooOld, c.MaxAgeYears), Inline: true}
	}
	return day.Format(DateLayout), nil
}

// CollectText accepts a typed DD/MM/YYYY date. Impossible days such as
// 31/02 are rejected.
func (c DateOfBirthCollector) CollectText(text string) (string, error) {
	date, err := time.Parse(DateLayout, strings.TrimSpace(text))
	if err != nil {
		return "", &InputError{Field: "dob", Reason: MsgDOBFormat}
	}
	return c.Collect(date)
}

// CollectNative accepts the YYYY-MM-DD value of a date picker.
func (c DateOfBirthCollector) CollectNative(value string) (string, error) {
	date, err := time.Parse(NativeDateLayout, strings.TrimSpace(value))
	if err != nil {
		return "", &InputError{Field: "dob", Reason: MsgDOBFormat}
	}
	return c.Collect(date)
}

func calendarDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

type GenderCollector struct{}

func (GenderCollector) Kind() Kind { return KindGender }

func (GenderCollector) Prompt() Prompt {
	opts := make([]Option, len(Genders))
	for i, g := range Genders {
		opts[i] = Option{Label: g, Value: g}
	}
	return Prompt{
		Kind:     KindGender,
		Title:    "Personal Information - Step 3 of 3",
		Progress: 100,
		Options:  opts,
	}
}

func (GenderCollector) Collect(label string) (string, error) {
	if !slices.Contains(Genders, label) {
		return "", &InputError{Field: "gender", Reason: MsgGenderChoice}
	}
	return label, nil
}

type MedicalAnswerCollector struct {
	Index int
	Total int
}

func (MedicalAnswerCollector) Kind() Kind { return KindMedicalAnswer }

func (c MedicalAnswerCollector) Prompt() Prompt {
	p := Prompt{
		Kind:        KindMedicalAnswer,
		Title:       fmt.Sprintf("Question %d of %d", c.Index+1, c.Total),
		Placeholder: "Type your answer here... (Press Enter to submit, Shift+Enter for new line)",
		Multiline:   true,
	}
	if c.Total > 0 {
		p.Progress = float64(c.Index+1) / float64(c.Total) * 100
	}
	return p
}

func (MedicalAnswerCollector) Collect(raw string) (string, error) {
	answer := strings.TrimSpace(raw)
	if answer == "" {
		return "", &InputError{Field: "answer", Reason: MsgAnswerEmpty}
	}
	return answer, nil
}

// SubmitsOnEnter reports whether Enter submits the answer. Shift+Enter
// inserts a line break instead.
func (MedicalAnswerCollector) SubmitsOnEnter(shift bool) bool {
	return !shift
}

type RestartCollector struct{}

func (RestartCollector) Kind() Kind { return KindRestart }

func (RestartCollector) Prompt() Prompt {
	return Prompt{
		Kind:    KindRestart,
		Options: []Option{{Label: "Start New Session", Value: "restart"}},
	}
}
