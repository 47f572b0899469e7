// Package loopstate holds the session record for a tutorial validation run:
// the loop status machine, iteration history, mentor consultations, the
// crash-recoverable on-disk form, and the exclusive session lock.
package loopstate

import (
	"time"

	"github.com/smile-run/smile/internal/errs"
)

// Status is the loop's position in the state machine.
type Status string

const (
	StatusStarting             Status = "starting"
	StatusRunningStudent       Status = "running_student"
	StatusWaitingForStudent    Status = "waiting_for_student"
	StatusRunningMentor        Status = "running_mentor"
	StatusWaitingForMentor     Status = "waiting_for_mentor"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
	StatusMaxIterationsReached Status = "max_iterations_reached"
	StatusCancelled            Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusMaxIterationsReached, StatusCancelled:
		return true
	}
	return false
}

// Waiting reports whether the loop is blocked on an agent callback.
func (s Status) Waiting() bool {
	return s == StatusWaitingForStudent || s == StatusWaitingForMentor
}

// Running reports whether an agent is actively processing.
func (s Status) Running() bool {
	return s == StatusRunningStudent || s == StatusRunningMentor
}

// StudentStatus is the outcome a student callback reports.
type StudentStatus string

const (
	StudentCompleted      StudentStatus = "completed"
	StudentStuck          StudentStatus = "stuck"
	StudentAskMentor      StudentStatus = "ask_mentor"
	StudentCannotComplete StudentStatus = "cannot_complete"
)

// Valid reports whether s is one of the recognized outcomes.
func (s StudentStatus) Valid() bool {
	switch s {
	case StudentCompleted, StudentStuck, StudentAskMentor, StudentCannotComplete:
		return true
	}
	return false
}

// StudentOutput is the structured result of one student attempt.
type StudentOutput struct {
	Status            StudentStatus `json:"status"`
	CurrentStep       string        `json:"current_step"`
	AttemptedActions  []string      `json:"attempted_actions"`
	Problem           string        `json:"problem,omitempty"`
	QuestionForMentor string        `json:"question_for_mentor,omitempty"`
	Reason            string        `json:"reason,omitempty"`
	Summary           string        `json:"summary"`
	FilesCreated      []string      `json:"files_created,omitempty"`
	CommandsRun       []string      `json:"commands_run,omitempty"`
}

// MentorConsultation records one question/answer exchange with the mentor.
type MentorConsultation struct {
	Iteration int       `json:"iteration"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Timestamp time.Time `json:"timestamp"`
}

// IterationRecord captures one completed student attempt.
type IterationRecord struct {
	Iteration     int           `json:"iteration"`
	StudentOutput StudentOutput `json:"student_output"`
	MentorOutput  string        `json:"mentor_output,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at"`
}

// LoopState is the complete session record. It is mutated only by the
// coordinator under its guard and persisted after every transition.
type LoopState struct {
	Version             int                  `json:"version"`
	Status              Status               `json:"status"`
	Iteration           int                  `json:"iteration"`
	RetryCount          int                  `json:"retry_count"`
	MentorConsultations []MentorConsultation `json:"mentor_consultations"`
	History             []IterationRecord    `json:"history"`
	StartedAt           time.Time            `json:"started_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
	LastError           string               `json:"last_error,omitempty"`
}

// New returns a fresh session in Starting at iteration 0.
func New() *LoopState {
	now := time.Now().UTC()
	return &LoopState{
		Version:             Version,
		Status:              StatusStarting,
		MentorConsultations: []MentorConsultation{},
		History:             []IterationRecord{},
		StartedAt:           now,
		UpdatedAt:           now,
	}
}

// Terminal reports whether the session has ended.
func (s *LoopState) Terminal() bool { return s.Status.Terminal() }

// Elapsed returns wall time since the session started.
func (s *LoopState) Elapsed() time.Duration { return time.Since(s.StartedAt) }

func (s *LoopState) touch() { s.UpdatedAt = time.Now().UTC() }

// AddConsultation appends a mentor exchange to the record.
func (s *LoopState) AddConsultation(c MentorConsultation) {
	s.MentorConsultations = append(s.MentorConsultations, c)
	s.touch()
}

// AddIteration appends a completed student attempt to the history.
func (s *LoopState) AddIteration(r IterationRecord) {
	s.History = append(s.History, r)
	s.touch()
}

// Clone returns a deep copy safe to hand to readers outside the guard.
func (s *LoopState) Clone() *LoopState {
	cp := *s
	cp.MentorConsultations = make([]MentorConsultation, len(s.MentorConsultations))
	copy(cp.MentorConsultations, s.MentorConsultations)
	cp.History = make([]IterationRecord, len(s.History))
	copy(cp.History, s.History)
	return &cp
}

// require rejects a transition attempted from a status not in allowed,
// leaving the state untouched.
func (s *LoopState) require(to Status, allowed ...Status) error {
	for _, a := range allowed {
		if s.Status == a {
			return nil
		}
	}
	return errs.InvalidTransition(string(s.Status), string(to))
}

// Start moves Starting to RunningStudent and opens iteration 1.
func (s *LoopState) Start() error {
	if err := s.require(StatusRunningStudent, StatusStarting); err != nil {
		return err
	}
	s.Status = StatusRunningStudent
	s.Iteration = 1
	s.RetryCount = 0
	s.touch()
	return nil
}

// AwaitStudent moves RunningStudent to WaitingForStudent.
func (s *LoopState) AwaitStudent() error {
	if err := s.require(StatusWaitingForStudent, StatusRunningStudent); err != nil {
		return err
	}
	s.Status = StatusWaitingForStudent
	s.touch()
	return nil
}

// RetryStudent re-runs the student within the same iteration.
func (s *LoopState) RetryStudent() error {
	if err := s.require(StatusRunningStudent, StatusWaitingForStudent); err != nil {
		return err
	}
	s.Status = StatusRunningStudent
	s.RetryCount++
	s.touch()
	return nil
}

// Escalate hands the student's question to the mentor.
func (s *LoopState) Escalate() error {
	if err := s.require(StatusRunningMentor, StatusWaitingForStudent); err != nil {
		return err
	}
	s.Status = StatusRunningMentor
	s.touch()
	return nil
}

// AwaitMentor moves RunningMentor to WaitingForMentor.
func (s *LoopState) AwaitMentor() error {
	if err := s.require(StatusWaitingForMentor, StatusRunningMentor); err != nil {
		return err
	}
	s.Status = StatusWaitingForMentor
	s.touch()
	return nil
}

// NextIteration starts the next student attempt after a mentor answer.
func (s *LoopState) NextIteration() error {
	if err := s.require(StatusRunningStudent, StatusWaitingForMentor); err != nil {
		return err
	}
	s.Status = StatusRunningStudent
	s.Iteration++
	s.RetryCount = 0
	s.touch()
	return nil
}

// Complete ends the session successfully.
func (s *LoopState) Complete() error {
	if err := s.require(StatusCompleted, StatusWaitingForStudent); err != nil {
		return err
	}
	s.Status = StatusCompleted
	s.touch()
	return nil
}

// ReachMaxIterations ends the session at the iteration cap.
func (s *LoopState) ReachMaxIterations() error {
	if err := s.require(StatusMaxIterationsReached, StatusWaitingForStudent); err != nil {
		return err
	}
	s.Status = StatusMaxIterationsReached
	s.touch()
	return nil
}

// Fail ends the session with an unrecoverable error from any live status.
func (s *LoopState) Fail(reason string) error {
	if s.Status.Terminal() {
		return errs.InvalidTransition(string(s.Status), string(StatusFailed))
	}
	s.Status = StatusFailed
	s.LastError = reason
	s.touch()
	return nil
}

// Cancel ends the session on an explicit stop from any live status.
func (s *LoopState) Cancel() error {
	if s.Status.Terminal() {
		return errs.InvalidTransition(string(s.Status), string(StatusCancelled))
	}
	s.Status = StatusCancelled
	s.touch()
	return nil
}
