// Package entity defines the canonical records mirrored from the remote store.
package entity

import (
	"strings"
	"time"
)

// Row is one raw remote row as delivered by a bulk fetch or a change notification.
type Row map[string]any

type Kind string

const (
	KindClient            Kind = "clients"
	KindProject           Kind = "projects"
	KindTask              Kind = "tasks"
	KindUser              Kind = "users"
	KindTimesheetEntry    Kind = "timesheet_entries"
	KindProjectMembership Kind = "project_members"
)

// Kinds returns every kind in dependency order: referenced kinds come before the
// kinds that reference them, so a bulk load can resolve cross references.
func Kinds() []Kind {
	return []Kind{
		KindUser,
		KindClient,
		KindProject,
		KindProjectMembership,
		KindTask,
		KindTimesheetEntry,
	}
}

var kindAliases = map[string]Kind{
	"client":                KindClient,
	"clients":               KindClient,
	"project":               KindProject,
	"projects":              KindProject,
	"task":                  KindTask,
	"tasks":                 KindTask,
	"user":                  KindUser,
	"users":                 KindUser,
	"profile":               KindUser,
	"profiles":              KindUser,
	"timesheet":             KindTimesheetEntry,
	"timesheets":            KindTimesheetEntry,
	"timesheet_entry":       KindTimesheetEntry,
	"timesheet_entries":     KindTimesheetEntry,
	"time_entry":            KindTimesheetEntry,
	"time_entries":          KindTimesheetEntry,
	"project_member":        KindProjectMembership,
	"project_members":       KindProjectMembership,
	"project_membership":    KindProjectMembership,
	"project_memberships":   KindProjectMembership,
	"project_collaborator":  KindProjectMembership,
	"project_collaborators": KindProjectMembership,
}

// ParseKind maps a table or kind name to a Kind. It accepts singular names and
// the aliases remote schemas commonly use.
func ParseKind(name string) (Kind, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.ReplaceAll(key, "-", "_")
	if idx := strings.LastIndex(key, "."); idx >= 0 {
		key = key[idx+1:]
	}
	kind, ok := kindAliases[key]
	return kind, ok
}

func (k Kind) Valid() bool {
	switch k {
	case KindClient, KindProject, KindTask, KindUser, KindTimesheetEntry, KindProjectMembership:
		return true
	}
	return false
}

func (k Kind) String() string {
	return string(k)
}

// Entity is implemented by the six canonical record types.
type Entity interface {
	EntityID() string
	EntityKind() Kind
}

type ClientType string

const (
	ClientTypeFinal   ClientType = "final"
	ClientTypePartner ClientType = "partner"
)

type Client struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	LogoURL   string     `json:"logoUrl,omitempty"`
	Active    bool       `json:"active"`
	Type      ClientType `json:"type"`
	PartnerID string     `json:"partnerId,omitempty"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

func (c Client) EntityID() string { return c.ID }
func (Client) EntityKind() Kind   { return KindClient }

type ProjectStatus string

const (
	ProjectPlanning   ProjectStatus = "planning"
	ProjectInProgress ProjectStatus = "in_progress"
	ProjectPaused     ProjectStatus = "paused"
	ProjectDone       ProjectStatus = "done"
	ProjectCancelled  ProjectStatus = "cancelled"
)

// Project dates are optional. Actual dates may fall after planned ones; delay is
// reported by the rollup package rather than rejected here.
type Project struct {
	ID           string        `json:"id"`
	ClientID     string        `json:"clientId"`
	PartnerID    string        `json:"partnerId,omitempty"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Status       ProjectStatus `json:"status"`
	PlannedStart *time.Time    `json:"plannedStart,omitempty"`
	PlannedEnd   *time.Time    `json:"plannedEnd,omitempty"`
	ActualStart  *time.Time    `json:"actualStart,omitempty"`
	ActualEnd    *time.Time    `json:"actualEnd,omitempty"`
	Budget       float64       `json:"budget"`
	Risks        string        `json:"risks,omitempty"`
	Successes    string        `json:"successes,omitempty"`
	Report       string        `json:"report,omitempty"`
	CreatedAt    *time.Time    `json:"createdAt,omitempty"`
}

func (p Project) EntityID() string { return p.ID }
func (Project) EntityKind() Kind   { return KindProject }

type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskReview     TaskStatus = "review"
	TaskDone       TaskStatus = "done"
)

type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// Task carries denormalized client and user display data. DeveloperName and
// CollaboratorNames fall back to the raw user id while the user is unknown.
type Task struct {
	ID                string       `json:"id"`
	ProjectID         string       `json:"projectId"`
	ClientID          string       `json:"clientId"`
	Title             string       `json:"title"`
	Description       string       `json:"description,omitempty"`
	Status            TaskStatus   `json:"status"`
	Priority          TaskPriority `json:"priority"`
	Progress          float64      `json:"progress"`
	EstimatedHours    float64      `json:"estimatedHours"`
	DeveloperID       string       `json:"developerId"`
	DeveloperName     string       `json:"developerName"`
	CollaboratorIDs   []string     `json:"collaboratorIds"`
	CollaboratorNames []string     `json:"collaboratorNames"`
	PlannedStart      *time.Time   `json:"plannedStart,omitempty"`
	PlannedDelivery   *time.Time   `json:"plannedDelivery,omitempty"`
	ActualStart       *time.Time   `json:"actualStart,omitempty"`
	ActualDelivery    *time.Time   `json:"actualDelivery,omitempty"`
	CreatedAt         *time.Time   `json:"createdAt,omitempty"`
}

func (t Task) EntityID() string { return t.ID }
func (Task) EntityKind() Kind   { return KindTask }

// References reports whether userID is the task's developer or one of its collaborators.
func (t Task) References(userID string) bool {
	if userID == "" {
		return false
	}
	if t.DeveloperID == userID {
		return true
	}
	for _, id := range t.CollaboratorIDs {
		if id == userID {
			return true
		}
	}
	return false
}

type UserRole string

const (
	RoleAdmin     UserRole = "admin"
	RoleDeveloper UserRole = "developer"
)

type User struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Email        string   `json:"email,omitempty"`
	Role         UserRole `json:"role"`
	Active       bool     `json:"active"`
	HourlyCost   float64  `json:"hourlyCost"`
	MonthlyHours float64  `json:"monthlyHours"`
	DailyHours   float64  `json:"dailyHours"`
	AvatarURL    string   `json:"avatarUrl,omitempty"`
}

func (u User) EntityID() string { return u.ID }
func (User) EntityKind() Kind   { return KindUser }

func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

// TimesheetEntry keeps its own client, project and user keys; they stay
// authoritative even after the referenced task is deleted.
type TimesheetEntry struct {
	ID          string        `json:"id"`
	UserID      string        `json:"userId"`
	TaskID      string        `json:"taskId"`
	ProjectID   string        `json:"projectId"`
	ClientID    string        `json:"clientId"`
	Date        *time.Time    `json:"date,omitempty"`
	StartTime   string        `json:"startTime,omitempty"`
	EndTime     string        `json:"endTime,omitempty"`
	Duration    time.Duration `json:"-"`
	Hours       float64       `json:"hours"`
	Description string        `json:"description,omitempty"`
}

func (e TimesheetEntry) EntityID() string { return e.ID }
func (TimesheetEntry) EntityKind() Kind   { return KindTimesheetEntry }

type ProjectMembership struct {
	ID         string   `json:"id"`
	ProjectID  string   `json:"projectId"`
	UserID     string   `json:"userId"`
	Allocation *float64 `json:"allocation,omitempty"`
}

func (m ProjectMembership) EntityID() string { return m.ID }
func (ProjectMembership) EntityKind() Kind   { return KindProjectMembership }
