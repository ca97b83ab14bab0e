package project

import "time"

type Status string

const (
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in-progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// Terminal reports whether no further transition may leave the status.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed
}

// Terminal reports whether the project pipeline has finished.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Project struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id,omitempty"`
	Title           string    `json:"title"`
	OriginalRequest string    `json:"original_request"`
	ImprovedRequest string    `json:"improved_request,omitempty"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type Step struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	Sequence     int        `json:"sequence"`
	Title        string     `json:"title"`
	Details      string     `json:"details,omitempty"`
	Deliverables string     `json:"deliverables,omitempty"`
	Status       StepStatus `json:"status"`
	LastError    string     `json:"last_error,omitempty"`
	RawArtifact  string     `json:"raw_artifact,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// File is uniquely identified inside a project by (Folder, Name).
type File struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	StepID    string    `json:"step_id"`
	Folder    string    `json:"folder"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Path returns the slash-separated path of the file relative to the staging root.
func (f *File) Path() string {
	if f.Folder == "" {
		return f.Name
	}
	return f.Folder + "/" + f.Name
}

// StagingDirName is the per-project directory name under the staging root.
func StagingDirName(projectID string) string {
	return "project_" + projectID
}
