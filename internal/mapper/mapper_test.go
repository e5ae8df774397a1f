package mapper

import (
	"errors"
	"testing"
	"time"

	"github.com/agentworkforce/relaycache/internal/entity"
)

type fakeLookup struct {
	users    map[string]entity.User
	projects map[string]entity.Project
	clients  map[string]entity.Client
}

func (f fakeLookup) LookupUser(id string) (entity.User, bool) {
	u, ok := f.users[id]
	return u, ok
}

func (f fakeLookup) LookupProject(id string) (entity.Project, bool) {
	p, ok := f.projects[id]
	return p, ok
}

func (f fakeLookup) LookupClient(id string) (entity.Client, bool) {
	c, ok := f.clients[id]
	return c, ok
}

func newTestMapper(t *testing.T) *Mapper {
	t.Helper()
	m, err := New()
	if err != nil {
		t.Fatalf("new mapper failed: %v", err)
	}
	return m
}

func TestMapTaskNormalizesFieldsAndResolvesNames(t *testing.T) {
	m := newTestMapper(t)
	lookup := fakeLookup{
		users: map[string]entity.User{
			"u1": {ID: "u1", Name: "Ana"},
			"u2": {ID: "u2", Name: "Bruno"},
		},
		projects: map[string]entity.Project{
			"p1": {ID: "p1", ClientID: "c1"},
		},
	}
	raw := entity.Row{
		"id":             float64(42),
		"projectId":      "p1",
		"Title":          " Ship it ",
		"status":         "Em andamento",
		"priority":       "Urgente",
		"progress":       "140",
		"estimatedHours": "12,5",
		"responsible_id": "u1",
		"collaborators":  `["u2","u9","u2"]`,
		"due_date":       "2024-03-10",
	}
	got, err := m.Map(entity.KindTask, raw, lookup)
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}
	task, ok := got.(entity.Task)
	if !ok {
		t.Fatalf("expected entity.Task, got %T", got)
	}
	if task.ID != "42" || task.ProjectID != "p1" || task.ClientID != "c1" {
		t.Fatalf("unexpected keys: %+v", task)
	}
	if task.Title != "Ship it" {
		t.Fatalf("expected trimmed title, got %q", task.Title)
	}
	if task.Status != entity.TaskInProgress || task.Priority != entity.PriorityUrgent {
		t.Fatalf("unexpected enums: status=%s priority=%s", task.Status, task.Priority)
	}
	if task.Progress != 100 {
		t.Fatalf("expected progress clamped to 100, got %v", task.Progress)
	}
	if task.EstimatedHours != 12.5 {
		t.Fatalf("expected 12.5 estimated hours, got %v", task.EstimatedHours)
	}
	if task.DeveloperID != "u1" || task.DeveloperName != "Ana" {
		t.Fatalf("unexpected developer: %s/%s", task.DeveloperID, task.DeveloperName)
	}
	if len(task.CollaboratorIDs) != 2 || task.CollaboratorNames[0] != "Bruno" || task.CollaboratorNames[1] != "u9" {
		t.Fatalf("unexpected collaborators: %v %v", task.CollaboratorIDs, task.CollaboratorNames)
	}
	if task.PlannedDelivery == nil || !task.PlannedDelivery.Equal(time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected planned delivery: %v", task.PlannedDelivery)
	}
}

func TestMapTaskFallsBackToRawIDWhenUserUnknown(t *testing.T) {
	m := newTestMapper(t)
	got, err := m.Map(entity.KindTask, entity.Row{"id": "t1", "project_id": "p1", "developer_id": "u7"}, nil)
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}
	task := got.(entity.Task)
	if task.DeveloperName != "u7" {
		t.Fatalf("expected fallback name u7, got %q", task.DeveloperName)
	}
	if task.Status != entity.TaskTodo || task.Priority != entity.PriorityMedium {
		t.Fatalf("expected default enums, got %s/%s", task.Status, task.Priority)
	}
}

func TestMapTaskKeepsRawClientWhenProjectUnknown(t *testing.T) {
	m := newTestMapper(t)
	got, err := m.Map(entity.KindTask, entity.Row{"id": "t1", "project_id": "p9", "client_id": "c5"}, fakeLookup{})
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}
	if got.(entity.Task).ClientID != "c5" {
		t.Fatalf("expected raw client c5, got %q", got.(entity.Task).ClientID)
	}
}

func TestMapTaskReportsClientMismatch(t *testing.T) {
	m := newTestMapper(t)
	lookup := fakeLookup{projects: map[string]entity.Project{"p1": {ID: "p1", ClientID: "c1"}}}
	got, notes, err := m.MapWithNotes(entity.KindTask, entity.Row{"id": "t1", "project_id": "p1", "client_id": "c2"}, lookup)
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}
	if got.(entity.Task).ClientID != "c1" {
		t.Fatalf("expected project client to win, got %q", got.(entity.Task).ClientID)
	}
	if len(notes) != 1 {
		t.Fatalf("expected one mismatch note, got %v", notes)
	}
}

func TestMapRejectsMissingRequiredField(t *testing.T) {
	m := newTestMapper(t)
	_, err := m.Map(entity.KindTimesheetEntry, entity.Row{"id": 7, "user_id": "u1", "task_id": "t1", "project_id": "p1"}, nil)
	if !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord, got %v", err)
	}
	var recErr *RecordError
	if !errors.As(err, &recErr) {
		t.Fatalf("expected *RecordError, got %T", err)
	}
	if recErr.ID != "7" || recErr.Reason != "missing client_id" {
		t.Fatalf("unexpected record error: %+v", recErr)
	}
}

func TestMapRejectsBlankID(t *testing.T) {
	m := newTestMapper(t)
	_, err := m.Map(entity.KindUser, entity.Row{"id": "   ", "name": "Ana"}, nil)
	if !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord, got %v", err)
	}
}

func TestMapRejectsUnknownKind(t *testing.T) {
	m := newTestMapper(t)
	_, err := m.Map(entity.Kind("invoices"), entity.Row{"id": "1"}, nil)
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestMapUserCoercesValues(t *testing.T) {
	m := newTestMapper(t)
	got, err := m.Map(entity.KindUser, entity.Row{
		"id":          []byte("u1"),
		"full_name":   "Ana",
		"role":        "Administrador",
		"is_active":   "não",
		"hourly_rate": "R$ 1.234,56",
	}, nil)
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}
	u := got.(entity.User)
	if u.ID != "u1" || u.Name != "Ana" || !u.IsAdmin() || u.Active {
		t.Fatalf("unexpected user: %+v", u)
	}
	if u.HourlyCost != 1234.56 {
		t.Fatalf("expected 1234.56 hourly cost, got %v", u.HourlyCost)
	}
}

func TestMapTimesheetEntryDerivesHoursFromClock(t *testing.T) {
	m := newTestMapper(t)
	row := entity.Row{
		"id": "e1", "user_id": "u1", "task_id": "t1", "project_id": "p1", "client_id": "c1",
		"date": "2024-01-05T10:00:00-03:00", "start_time": "22:30", "end_time": "01:00",
	}
	got, err := m.Map(entity.KindTimesheetEntry, row, nil)
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}
	e := got.(entity.TimesheetEntry)
	if e.Duration != 150*time.Minute || e.Hours != 2.5 {
		t.Fatalf("expected overnight span of 2.5h, got %v (%v)", e.Duration, e.Hours)
	}
	if e.Date == nil || !e.Date.Equal(time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected calendar date 2024-01-05, got %v", e.Date)
	}
}

func TestMapTimesheetEntryPrefersEnteredHours(t *testing.T) {
	m := newTestMapper(t)
	row := entity.Row{
		"id": "e1", "user_id": "u1", "task_id": "t1", "project_id": "p1", "client_id": "c1",
		"hours": "1,5", "start_time": "09:00", "end_time": "17:00",
	}
	got, err := m.Map(entity.KindTimesheetEntry, row, nil)
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}
	if got.(entity.TimesheetEntry).Duration != 90*time.Minute {
		t.Fatalf("expected 90m, got %v", got.(entity.TimesheetEntry).Duration)
	}
}

func TestMapClientPartnerReference(t *testing.T) {
	m := newTestMapper(t)
	lookup := fakeLookup{clients: map[string]entity.Client{
		"agency": {ID: "agency", Type: entity.ClientTypePartner},
		"direct": {ID: "direct", Type: entity.ClientTypeFinal},
	}}

	got, err := m.Map(entity.KindClient, entity.Row{"id": "c1", "type": "final", "partner_id": "agency"}, lookup)
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}
	if got.(entity.Client).PartnerID != "agency" {
		t.Fatalf("expected partner reference kept, got %+v", got)
	}

	got, err = m.Map(entity.KindClient, entity.Row{"id": "c2", "partner_id": "unknown"}, lookup)
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}
	if got.(entity.Client).PartnerID != "unknown" {
		t.Fatalf("expected unresolved partner reference kept, got %+v", got)
	}

	got, notes, err := m.MapWithNotes(entity.KindClient, entity.Row{"id": "c3", "partner_id": "direct"}, lookup)
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}
	if got.(entity.Client).PartnerID != "" || len(notes) != 1 {
		t.Fatalf("expected non-partner reference dropped with a note, got %+v %v", got, notes)
	}

	got, err = m.Map(entity.KindClient, entity.Row{"id": "c4", "type": "Parceiro", "partner_id": "agency"}, lookup)
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}
	c := got.(entity.Client)
	if c.Type != entity.ClientTypePartner || c.PartnerID != "" {
		t.Fatalf("expected partner client without reference, got %+v", c)
	}
}

func TestMapProjectStatusAndDates(t *testing.T) {
	m := newTestMapper(t)
	got, err := m.Map(entity.KindProject, entity.Row{
		"id": 3, "client_id": 1, "status": "Concluído", "start_date": "01/02/2024", "budget": "5000",
	}, nil)
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}
	p := got.(entity.Project)
	if p.ID != "3" || p.ClientID != "1" || p.Status != entity.ProjectDone || p.Budget != 5000 {
		t.Fatalf("unexpected project: %+v", p)
	}
	if p.PlannedStart == nil || p.PlannedStart.Month() != time.February {
		t.Fatalf("expected 1 Feb 2024 planned start, got %v", p.PlannedStart)
	}
}

func TestMapMembershipDistinguishesAbsentAllocation(t *testing.T) {
	m := newTestMapper(t)
	got, err := m.Map(entity.KindProjectMembership, entity.Row{"id": "m1", "project_id": "p1", "user_id": "u1"}, nil)
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}
	if got.(entity.ProjectMembership).Allocation != nil {
		t.Fatalf("expected nil allocation")
	}
	got, err = m.Map(entity.KindProjectMembership, entity.Row{"id": "m1", "project_id": "p1", "user_id": "u1", "allocation": 0}, nil)
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}
	alloc := got.(entity.ProjectMembership).Allocation
	if alloc == nil || *alloc != 0 {
		t.Fatalf("expected explicit zero allocation, got %v", alloc)
	}
}

func TestExtractID(t *testing.T) {
	if got := ExtractID(entity.KindTask, entity.Row{"id": float64(12)}); got != "12" {
		t.Fatalf("expected 12, got %q", got)
	}
	if got := ExtractID(entity.KindTask, nil); got != "" {
		t.Fatalf("expected empty id, got %q", got)
	}
}

func TestResolveTaskRefreshesNames(t *testing.T) {
	task := entity.Task{ID: "t1", DeveloperID: "u1", DeveloperName: "u1", CollaboratorIDs: []string{"u2"}, CollaboratorNames: []string{"u2"}}
	lookup := fakeLookup{users: map[string]entity.User{"u1": {ID: "u1", Name: "Ana"}, "u2": {ID: "u2", Name: "Bruno"}}}
	got := ResolveTask(task, lookup)
	if got.DeveloperName != "Ana" || got.CollaboratorNames[0] != "Bruno" {
		t.Fatalf("expected names resolved, got %+v", got)
	}
	if task.DeveloperName != "u1" {
		t.Fatalf("expected input task untouched")
	}
}

func TestResolveTaskFollowsProjectClient(t *testing.T) {
	task := entity.Task{ID: "t1", ProjectID: "p1", ClientID: "cX"}
	lookup := fakeLookup{projects: map[string]entity.Project{"p1": {ID: "p1", ClientID: "c1"}}}
	if got := ResolveTask(task, lookup); got.ClientID != "c1" {
		t.Fatalf("expected client from project, got %q", got.ClientID)
	}
	if got := ResolveTask(task, fakeLookup{}); got.ClientID != "cX" {
		t.Fatalf("expected raw client kept while the project is unknown, got %q", got.ClientID)
	}
}

func TestResolveClientChecksPartner(t *testing.T) {
	referrer := entity.Client{ID: "a", Type: entity.ClientTypeFinal, PartnerID: "b"}

	got, notes := ResolveClient(referrer, fakeLookup{})
	if got.PartnerID != "b" || len(notes) != 0 {
		t.Fatalf("expected unknown partner kept, got %+v %v", got, notes)
	}
	partner := fakeLookup{clients: map[string]entity.Client{"b": {ID: "b", Type: entity.ClientTypePartner}}}
	if got, _ := ResolveClient(referrer, partner); got.PartnerID != "b" {
		t.Fatalf("expected partner link kept, got %q", got.PartnerID)
	}
	final := fakeLookup{clients: map[string]entity.Client{"b": {ID: "b", Type: entity.ClientTypeFinal}}}
	got, notes = ResolveClient(referrer, final)
	if got.PartnerID != "" || len(notes) != 1 {
		t.Fatalf("expected link to a final client cleared, got %+v %v", got, notes)
	}
}
