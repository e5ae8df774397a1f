package mapper

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/agentworkforce/relaycache/internal/entity"
)

// normalizeKey turns projectId, ProjectID, "Project Id" and project-id into project_id.
func normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	src := []rune(key)
	var b strings.Builder
	b.Grow(len(key) + 4)
	for i, r := range src {
		switch {
		case r == ' ' || r == '-' || r == '.':
			b.WriteByte('_')
		case unicode.IsUpper(r):
			if i > 0 {
				prev := src[i-1]
				nextLower := i+1 < len(src) && unicode.IsLower(src[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	return strings.Trim(out, "_")
}

func normalizeRow(raw entity.Row) map[string]any {
	out := make(map[string]any, len(raw))
	for key, value := range raw {
		if b, ok := value.([]byte); ok {
			value = string(b)
		}
		nk := normalizeKey(key)
		if nk == "" {
			continue
		}
		if existing, ok := out[nk]; ok && existing != nil {
			// projectId and project_id in one row: the snake_case spelling wins.
			if key != nk {
				continue
			}
		}
		out[nk] = value
	}
	return out
}

// fields resolves canonical field names (and their per-kind aliases) on a normalized row.
type fields struct {
	kind   entity.Kind
	values map[string]any
}

func newFields(kind entity.Kind, raw entity.Row) fields {
	return fields{kind: kind, values: normalizeRow(raw)}
}

func (f fields) lookup(name string) (any, bool) {
	if v, ok := f.values[name]; ok && v != nil {
		return v, true
	}
	for _, alias := range fieldAliases[f.kind][name] {
		if v, ok := f.values[alias]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func (f fields) id(name string) string {
	v, ok := f.lookup(name)
	if !ok {
		return ""
	}
	return idString(v)
}

func (f fields) str(name string) string {
	v, ok := f.lookup(name)
	if !ok {
		return ""
	}
	return strings.TrimSpace(toString(v))
}

func (f fields) num(name string) float64 {
	v, ok := f.lookup(name)
	if !ok {
		return 0
	}
	n, _ := toFloat(v)
	return n
}

func (f fields) optionalNum(name string) *float64 {
	v, ok := f.lookup(name)
	if !ok {
		return nil
	}
	n, ok := toFloat(v)
	if !ok {
		return nil
	}
	return &n
}

func (f fields) boolean(name string, fallback bool) bool {
	v, ok := f.lookup(name)
	if !ok {
		return fallback
	}
	b, ok := toBool(v)
	if !ok {
		return fallback
	}
	return b
}

func (f fields) date(name string) *time.Time {
	v, ok := f.lookup(name)
	if !ok {
		return nil
	}
	t, ok := toTime(v)
	if !ok {
		return nil
	}
	d := dateOnly(t)
	return &d
}

func (f fields) timestamp(name string) *time.Time {
	v, ok := f.lookup(name)
	if !ok {
		return nil
	}
	t, ok := toTime(v)
	if !ok {
		return nil
	}
	t = t.UTC()
	return &t
}

func (f fields) ids(name string) []string {
	v, ok := f.lookup(name)
	if !ok {
		return nil
	}
	return toIDList(v)
}

func (f fields) enum(name string) string {
	return foldEnum(f.str(name))
}

var fieldAliases = map[entity.Kind]map[string][]string{
	entity.KindClient: {
		"name":       {"client_name", "nome", "razao_social", "company"},
		"logo_url":   {"logo", "logo_path", "avatar_url"},
		"active":     {"is_active", "ativo", "enabled"},
		"type":       {"client_type", "tipo", "kind", "classification"},
		"partner_id": {"partner_client_id", "parceiro_id", "intermediary_id"},
	},
	entity.KindProject: {
		"client_id":     {"client", "cliente_id"},
		"partner_id":    {"partner_client_id", "parceiro_id"},
		"name":          {"project_name", "nome", "title"},
		"description":   {"descricao"},
		"status":        {"project_status", "situacao"},
		"planned_start": {"start_date", "data_inicio", "planned_start_date"},
		"planned_end":   {"end_date", "data_fim", "planned_end_date", "deadline"},
		"actual_start":  {"actual_start_date", "real_start", "data_inicio_real"},
		"actual_end":    {"actual_end_date", "real_end", "data_fim_real"},
		"budget":        {"orcamento", "valor", "project_value", "value"},
		"risks":         {"risk", "riscos", "risk_notes"},
		"successes":     {"success", "sucessos", "success_notes"},
		"report":        {"relatorio", "status_report", "notes"},
	},
	entity.KindTask: {
		"project_id":         {"project", "projeto_id"},
		"client_id":          {"client", "cliente_id"},
		"title":              {"name", "titulo", "task_name"},
		"description":        {"descricao", "details"},
		"status":             {"task_status", "situacao"},
		"priority":           {"prioridade"},
		"progress":           {"percent_complete", "progresso", "completion", "percentage"},
		"estimated_hours":    {"estimated_time", "hours_estimated", "horas_estimadas", "estimate"},
		"developer_id":       {"responsible_id", "assignee_id", "assigned_to", "developer", "responsavel_id", "user_id"},
		"collaborator_ids":   {"collaborators", "colaboradores", "assignees", "team_ids"},
		"planned_start":      {"start_date", "data_inicio", "planned_start_date"},
		"planned_delivery":   {"due_date", "delivery_date", "end_date", "data_entrega", "planned_end"},
		"actual_start":       {"actual_start_date", "real_start"},
		"actual_delivery":    {"actual_delivery_date", "delivered_at", "actual_end", "data_entrega_real"},
		"created_at":         {"inserted_at", "criado_em"},
	},
	entity.KindUser: {
		"name":          {"full_name", "nome", "display_name", "username"},
		"email":         {"mail"},
		"role":          {"user_role", "perfil", "papel"},
		"active":        {"is_active", "ativo", "enabled"},
		"hourly_cost":   {"hourly_rate", "cost_per_hour", "custo_hora", "valor_hora"},
		"monthly_hours": {"monthly_capacity", "horas_mensais", "available_hours_month"},
		"daily_hours":   {"daily_capacity", "horas_diarias", "available_hours_day"},
		"avatar_url":    {"avatar", "photo_url"},
	},
	entity.KindTimesheetEntry: {
		"user_id":     {"collaborator_id", "developer_id", "usuario_id"},
		"task_id":     {"tarefa_id"},
		"project_id":  {"projeto_id"},
		"client_id":   {"cliente_id"},
		"date":        {"entry_date", "data", "work_date", "day"},
		"start_time":  {"start", "hora_inicio", "started_at"},
		"end_time":    {"end", "hora_fim", "ended_at"},
		"hours":       {"total_hours", "horas", "duration_hours", "hours_worked"},
		"description": {"descricao", "notes"},
	},
	entity.KindProjectMembership: {
		"project_id": {"projeto_id"},
		"user_id":    {"collaborator_id", "member_id", "usuario_id"},
		"allocation": {"allocation_percent", "allocation_percentage", "alocacao", "percentage"},
	},
}

func idString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case json.Number:
		return t.String()
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return idString(float64(t))
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case map[string]any:
		// Embedded relations such as {"id": 3, "name": "..."}.
		return idString(t["id"])
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339)
	case float64, float32, int, int64, int32, json.Number:
		return idString(t)
	default:
		return fmt.Sprint(t)
	}
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case int32:
		f = float64(t)
	case uint64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case []byte:
		return toFloat(string(t))
	case string:
		parsed, ok := parseDecimal(t)
		if !ok {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// parseDecimal accepts "12.5", "12,5", "1.234,56", "R$ 900" and "40%".
func parseDecimal(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "R$")
	s = strings.TrimPrefix(s, "$")
	s = strings.TrimSuffix(s, "%")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return 0, false
	}
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func toBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch foldEnum(t) {
		case "true", "t", "1", "yes", "y", "sim", "s", "active", "ativo", "ativa", "on":
			return true, true
		case "false", "f", "0", "no", "n", "nao", "inactive", "inativo", "inativa", "off":
			return false, true
		}
		return false, false
	default:
		if n, ok := toFloat(v); ok {
			return n != 0, true
		}
		return false, false
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006",
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, false
		}
		return t, true
	case *time.Time:
		if t == nil || t.IsZero() {
			return time.Time{}, false
		}
		return *t, true
	case []byte:
		return toTime(string(t))
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// parseClock parses HH:MM or HH:MM:SS into an offset from midnight.
func parseClock(raw string) (time.Duration, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}
	if t, ok := toTime(s); ok && strings.ContainsAny(s, "T-") {
		return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second, true
	}
	for _, layout := range []string{"15:04:05", "15:04"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			return time.Duration(parsed.Hour())*time.Hour + time.Duration(parsed.Minute())*time.Minute + time.Duration(parsed.Second())*time.Second, true
		}
	}
	return 0, false
}

func toIDList(v any) []string {
	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case []string:
		for _, s := range t {
			items = append(items, s)
		}
	case string:
		s := strings.TrimSpace(t)
		switch {
		case s == "":
			return nil
		case strings.HasPrefix(s, "["):
			var decoded []any
			if err := json.Unmarshal([]byte(s), &decoded); err == nil {
				items = decoded
			}
		case strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}"):
			for _, part := range strings.Split(strings.Trim(s, "{}"), ",") {
				items = append(items, strings.Trim(part, `" `))
			}
		default:
			for _, part := range strings.Split(s, ",") {
				items = append(items, part)
			}
		}
	default:
		items = []any{t}
	}
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		id := idString(item)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// foldEnum lower-cases, strips accents and joins words with underscores.
func foldEnum(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(t, s); err == nil {
		s = folded
	}
	s = strings.ToLower(s)
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	return s
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
