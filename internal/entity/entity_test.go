package entity

import "testing"

func TestParseKindAcceptsAliases(t *testing.T) {
	cases := map[string]Kind{
		"clients":              KindClient,
		"Project":              KindProject,
		"public.tasks":         KindTask,
		"profiles":             KindUser,
		"time-entries":         KindTimesheetEntry,
		" project_members ":    KindProjectMembership,
		"project_collaborator": KindProjectMembership,
	}
	for name, want := range cases {
		got, ok := ParseKind(name)
		if !ok || got != want {
			t.Fatalf("ParseKind(%q): expected %s, got %s ok=%v", name, want, got, ok)
		}
	}
	if _, ok := ParseKind("invoices"); ok {
		t.Fatalf("expected unknown table to be rejected")
	}
}

func TestKindsAreOrderedByDependency(t *testing.T) {
	pos := map[Kind]int{}
	for i, kind := range Kinds() {
		if !kind.Valid() {
			t.Fatalf("expected %s to be valid", kind)
		}
		pos[kind] = i
	}
	if len(pos) != 6 {
		t.Fatalf("expected six kinds, got %d", len(pos))
	}
	if pos[KindClient] > pos[KindProject] || pos[KindProject] > pos[KindTask] || pos[KindUser] > pos[KindTask] || pos[KindTask] > pos[KindTimesheetEntry] {
		t.Fatalf("unexpected load order: %v", Kinds())
	}
	if Kind("invoices").Valid() {
		t.Fatalf("expected unknown kind to be invalid")
	}
}

func TestTaskReferences(t *testing.T) {
	task := Task{DeveloperID: "u1", CollaboratorIDs: []string{"u2", "u3"}}
	if !task.References("u1") || !task.References("u3") {
		t.Fatalf("expected developer and collaborators to be referenced")
	}
	if task.References("u4") || task.References("") {
		t.Fatalf("expected unrelated and empty ids to be ignored")
	}
	if !(User{Role: RoleAdmin}).IsAdmin() || (User{Role: RoleDeveloper}).IsAdmin() {
		t.Fatalf("unexpected admin classification")
	}
}
