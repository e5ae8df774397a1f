// Package mapper turns raw remote rows into canonical entities. It normalizes
// field names and values, validates required keys against embedded JSON
// schemas and fills denormalized fields through a Lookup over current state.
package mapper

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/relaycache/internal/entity"
)

var (
	ErrMalformedRecord = errors.New("malformed record")
	ErrUnknownKind     = errors.New("unknown entity kind")
)

// RecordError describes a row that could not be mapped. It is never applied partially.
type RecordError struct {
	Kind   entity.Kind
	ID     string
	Reason string
}

func (e *RecordError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("malformed %s record: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("malformed %s record %q: %s", e.Kind, e.ID, e.Reason)
}

func (e *RecordError) Is(target error) bool {
	return target == ErrMalformedRecord
}

//go:embed schemas/*.json
var schemaFS embed.FS

var requiredFields = map[entity.Kind][]string{
	entity.KindClient:            {"id"},
	entity.KindProject:           {"id", "client_id"},
	entity.KindTask:              {"id", "project_id"},
	entity.KindUser:              {"id"},
	entity.KindTimesheetEntry:    {"id", "user_id", "task_id", "project_id", "client_id"},
	entity.KindProjectMembership: {"id", "project_id", "user_id"},
}

// Mapper holds only compiled schemas and is safe for concurrent use.
type Mapper struct {
	schemas map[entity.Kind]*jsonschema.Schema
}

func New() (*Mapper, error) {
	compiler := jsonschema.NewCompiler()
	for _, kind := range entity.Kinds() {
		name := "schemas/" + string(kind) + ".json"
		data, err := schemaFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	m := &Mapper{schemas: make(map[entity.Kind]*jsonschema.Schema, len(requiredFields))}
	for _, kind := range entity.Kinds() {
		name := "schemas/" + string(kind) + ".json"
		sch, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		m.schemas[kind] = sch
	}
	return m, nil
}

// Map converts raw into the canonical entity of the given kind.
func (m *Mapper) Map(kind entity.Kind, raw entity.Row, lookup Lookup) (entity.Entity, error) {
	ent, _, err := m.MapWithNotes(kind, raw, lookup)
	return ent, err
}

// MapWithNotes is Map plus the non-fatal diagnostics produced while resolving
// cross references (dropped partner links, client mismatches).
func (m *Mapper) MapWithNotes(kind entity.Kind, raw entity.Row, lookup Lookup) (entity.Entity, []string, error) {
	if !kind.Valid() {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	f := newFields(kind, raw)
	if err := m.validate(f); err != nil {
		return nil, nil, err
	}
	r := NewResolver(lookup)
	switch kind {
	case entity.KindClient:
		c, notes := r.client(mapClient(f))
		return c, notes, nil
	case entity.KindProject:
		return mapProject(f), nil, nil
	case entity.KindTask:
		t, notes := r.task(mapTask(f))
		return t, notes, nil
	case entity.KindUser:
		return mapUser(f), nil, nil
	case entity.KindTimesheetEntry:
		return mapTimesheetEntry(f), nil, nil
	default:
		return mapMembership(f), nil, nil
	}
}

// ExtractID returns the canonical primary key of a possibly partial row.
func ExtractID(kind entity.Kind, raw entity.Row) string {
	if raw == nil {
		return ""
	}
	return newFields(kind, raw).id("id")
}

func (m *Mapper) validate(f fields) error {
	sch, ok := m.schemas[f.kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, f.kind)
	}
	required := requiredFields[f.kind]
	instance := make(map[string]any, len(required))
	for _, name := range required {
		v, ok := f.lookup(name)
		if !ok {
			continue
		}
		if nested, isMap := v.(map[string]any); isMap {
			v = idString(nested)
		}
		if s, isString := v.(string); isString {
			v = strings.TrimSpace(s)
		}
		instance[name] = v
	}
	encoded, err := json.Marshal(instance)
	if err != nil {
		return &RecordError{Kind: f.kind, ID: f.id("id"), Reason: err.Error()}
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return &RecordError{Kind: f.kind, ID: f.id("id"), Reason: err.Error()}
	}
	if err := sch.Validate(doc); err != nil {
		return &RecordError{Kind: f.kind, ID: f.id("id"), Reason: describeInvalid(required, instance, err)}
	}
	return nil
}

func describeInvalid(required []string, instance map[string]any, err error) string {
	for _, name := range required {
		v, ok := instance[name]
		if !ok {
			return "missing " + name
		}
		if s, isString := v.(string); isString && s == "" {
			return "empty " + name
		}
	}
	return strings.Join(strings.Fields(strings.ReplaceAll(err.Error(), "\n", "; ")), " ")
}

func mapClient(f fields) entity.Client {
	return entity.Client{
		ID:        f.id("id"),
		Name:      f.str("name"),
		LogoURL:   f.str("logo_url"),
		Active:    f.boolean("active", true),
		Type:      parseClientType(f.enum("type")),
		PartnerID: f.id("partner_id"),
		CreatedAt: f.timestamp("created_at"),
	}
}

func mapProject(f fields) entity.Project {
	return entity.Project{
		ID:           f.id("id"),
		ClientID:     f.id("client_id"),
		PartnerID:    f.id("partner_id"),
		Name:         f.str("name"),
		Description:  f.str("description"),
		Status:       parseProjectStatus(f.enum("status")),
		PlannedStart: f.date("planned_start"),
		PlannedEnd:   f.date("planned_end"),
		ActualStart:  f.date("actual_start"),
		ActualEnd:    f.date("actual_end"),
		Budget:       f.num("budget"),
		Risks:        f.str("risks"),
		Successes:    f.str("successes"),
		Report:       f.str("report"),
		CreatedAt:    f.timestamp("created_at"),
	}
}

func mapTask(f fields) entity.Task {
	return entity.Task{
		ID:              f.id("id"),
		ProjectID:       f.id("project_id"),
		ClientID:        f.id("client_id"),
		Title:           f.str("title"),
		Description:     f.str("description"),
		Status:          parseTaskStatus(f.enum("status")),
		Priority:        parsePriority(f.enum("priority")),
		Progress:        clamp(f.num("progress"), 0, 100),
		EstimatedHours:  math.Max(f.num("estimated_hours"), 0),
		DeveloperID:     f.id("developer_id"),
		CollaboratorIDs: f.ids("collaborator_ids"),
		PlannedStart:    f.date("planned_start"),
		PlannedDelivery: f.date("planned_delivery"),
		ActualStart:     f.date("actual_start"),
		ActualDelivery:  f.date("actual_delivery"),
		CreatedAt:       f.timestamp("created_at"),
	}
}

func mapUser(f fields) entity.User {
	role := entity.RoleDeveloper
	switch f.enum("role") {
	case "admin", "administrator", "administrador", "adm":
		role = entity.RoleAdmin
	}
	return entity.User{
		ID:           f.id("id"),
		Name:         f.str("name"),
		Email:        f.str("email"),
		Role:         role,
		Active:       f.boolean("active", true),
		HourlyCost:   math.Max(f.num("hourly_cost"), 0),
		MonthlyHours: math.Max(f.num("monthly_hours"), 0),
		DailyHours:   math.Max(f.num("daily_hours"), 0),
		AvatarURL:    f.str("avatar_url"),
	}
}

func mapTimesheetEntry(f fields) entity.TimesheetEntry {
	e := entity.TimesheetEntry{
		ID:          f.id("id"),
		UserID:      f.id("user_id"),
		TaskID:      f.id("task_id"),
		ProjectID:   f.id("project_id"),
		ClientID:    f.id("client_id"),
		Date:        f.date("date"),
		StartTime:   f.str("start_time"),
		EndTime:     f.str("end_time"),
		Description: f.str("description"),
	}
	e.Duration = entryDuration(f.optionalNum("hours"), e.StartTime, e.EndTime)
	e.Hours = e.Duration.Hours()
	return e
}

// entryDuration prefers directly entered hours and otherwise derives the span
// from start and end, wrapping at midnight. Results are whole seconds.
func entryDuration(hours *float64, start, end string) time.Duration {
	if hours != nil && *hours > 0 {
		return time.Duration(math.Round(*hours*3600)) * time.Second
	}
	from, okFrom := parseClock(start)
	to, okTo := parseClock(end)
	if !okFrom || !okTo {
		return 0
	}
	d := to - from
	if d < 0 {
		d += 24 * time.Hour
	}
	return d.Round(time.Second)
}

func mapMembership(f fields) entity.ProjectMembership {
	return entity.ProjectMembership{
		ID:         f.id("id"),
		ProjectID:  f.id("project_id"),
		UserID:     f.id("user_id"),
		Allocation: f.optionalNum("allocation"),
	}
}

func parseClientType(v string) entity.ClientType {
	switch v {
	case "partner", "parceiro", "parceira", "intermediary", "intermediario", "agency", "agencia":
		return entity.ClientTypePartner
	}
	return entity.ClientTypeFinal
}

func parseProjectStatus(v string) entity.ProjectStatus {
	switch v {
	case "in_progress", "inprogress", "em_andamento", "andamento", "active", "ativo", "em_execucao", "executing":
		return entity.ProjectInProgress
	case "paused", "pausado", "on_hold", "suspenso", "suspended":
		return entity.ProjectPaused
	case "done", "completed", "complete", "concluido", "finalizado", "finished", "entregue":
		return entity.ProjectDone
	case "cancelled", "canceled", "cancelado":
		return entity.ProjectCancelled
	}
	return entity.ProjectPlanning
}

func parseTaskStatus(v string) entity.TaskStatus {
	switch v {
	case "in_progress", "inprogress", "em_andamento", "andamento", "doing", "fazendo":
		return entity.TaskInProgress
	case "review", "in_review", "em_revisao", "revisao", "code_review", "testing", "homologacao":
		return entity.TaskReview
	case "done", "completed", "complete", "concluido", "concluida", "finalizado", "finalizada", "closed":
		return entity.TaskDone
	}
	return entity.TaskTodo
}

func parsePriority(v string) entity.TaskPriority {
	switch v {
	case "low", "baixa", "baixo":
		return entity.PriorityLow
	case "high", "alta", "alto":
		return entity.PriorityHigh
	case "urgent", "urgente", "critical", "critica", "critico":
		return entity.PriorityUrgent
	}
	return entity.PriorityMedium
}
