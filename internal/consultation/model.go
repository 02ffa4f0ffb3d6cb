package consultation

import (
	"fmt"
)

// Step is the single active stage of the intake conversation.
type Step int

const (
	StepInitial Step = iota
	StepAgreement
	StepDemographicsName
	StepDemographicsDOB
	StepDemographicsGender
	StepLoadingQuestions
	StepMedicalQuestions
	StepSubmitting
	StepFinished
	StepError
	StepEndedByUser
)

var stepNames = [...]string{
	StepInitial:            "initial",
	StepAgreement:          "agreement",
	StepDemographicsName:   "demographics_name",
	StepDemographicsDOB:    "demographics_dob",
	StepDemographicsGender: "demographics_gender",
	StepLoadingQuestions:   "loading_questions",
	StepMedicalQuestions:   "medical_questions",
	StepSubmitting:         "submitting",
	StepFinished:           "finished",
	StepError:              "error",
	StepEndedByUser:        "ended_by_user",
}

// Steps lists every step in conversation order.
func Steps() []Step {
	steps := make([]Step, len(stepNames))
	for i := range stepNames {
		steps[i] = Step(i)
	}
	return steps
}

func (s Step) String() string {
	if s < 0 || int(s) >= len(stepNames) {
		return fmt.Sprintf("Step(%d)", int(s))
	}
	return stepNames[s]
}

// ParseStep is the inverse of Step.String.
func ParseStep(name string) (Step, error) {
	for i, n := range stepNames {
		if n == name {
			return Step(i), nil
		}
	}
	return StepInitial, fmt.Errorf("unknown step %q", name)
}

// Terminal reports whether the only action left is a restart.
func (s Step) Terminal() bool {
	return s == StepFinished || s == StepError || s == StepEndedByUser
}

func (s Step) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(stepNames) {
		return nil, fmt.Errorf("invalid step %d", int(s))
	}
	return []byte(stepNames[s]), nil
}

func (s *Step) UnmarshalText(text []byte) error {
	step, err := ParseStep(string(text))
	if err != nil {
		return err
	}
	*s = step
	return nil
}

type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// Message is one transcript entry. IDs are the 1-based position in the
// transcript.
type Message struct {
	ID      int    `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Demographics is filled one field per step.
type Demographics struct {
	Name        string `json:"name,omitempty"`
	DateOfBirth string `json:"dob,omitempty"` // DD/MM/YYYY
	Gender      string `json:"gender,omitempty"`
}

func (d Demographics) Complete() bool {
	return d.Name != "" && d.DateOfBirth != "" && d.Gender != ""
}

type MedicalResponse struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Snapshot is everything needed to resume an interrupted conversation.
type Snapshot struct {
	Step          Step              `json:"step"`
	Demographics  Demographics      `json:"demographics"`
	Questions     []string          `json:"medical_questions"`
	Responses     []MedicalResponse `json:"medical_responses"`
	QuestionIndex int               `json:"current_question_index"`
	Messages      []Message         `json:"messages"`
}

// Resumable reports whether a loaded snapshot should be adopted rather than
// discarded.
func (s Snapshot) Resumable() bool {
	if s.Step == StepInitial || len(s.Messages) == 0 {
		return false
	}
	if s.QuestionIndex < 0 || len(s.Responses) > len(s.Questions) {
		return false
	}
	// every saved change ends with a bot entry
	if s.Messages[len(s.Messages)-1].Role != RoleBot {
		return false
	}
	switch s.Step {
	case StepMedicalQuestions:
		// one response per question already asked
		return s.QuestionIndex < len(s.Questions) && len(s.Responses) == s.QuestionIndex
	case StepSubmitting:
		return len(s.Questions) > 0 && len(s.Responses) == len(s.Questions)
	}
	return true
}

func (s *Snapshot) addMessage(role Role, content string) {
	s.Messages = append(s.Messages, Message{ID: len(s.Messages) + 1, Role: role, Content: content})
}

func (s Snapshot) clone() Snapshot {
	c := s
	c.Questions = append([]string(nil), s.Questions...)
	c.Responses = append([]MedicalResponse(nil), s.Responses...)
	c.Messages = append([]Message(nil), s.Messages...)
	return c
}
