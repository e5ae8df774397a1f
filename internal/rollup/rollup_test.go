package rollup

import (
	"math"
	"testing"
	"time"

	"github.com/agentworkforce/relaycache/internal/entity"
	"github.com/agentworkforce/relaycache/internal/store"
)

func date(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func entry(id, user, project, client string, hours float64, on string) entity.TimesheetEntry {
	return entity.TimesheetEntry{
		ID:        id,
		UserID:    user,
		ProjectID: project,
		ClientID:  client,
		Hours:     hours,
		Duration:  time.Duration(hours * float64(time.Hour)),
		Date:      date(on),
	}
}

func exampleSnapshot() *store.Snapshot {
	return store.NewSnapshot(
		[]entity.Client{{ID: "ca", Name: "ClientA"}},
		[]entity.Project{
			{ID: "px", ClientID: "ca", Name: "ProjectX", Budget: 2000},
			{ID: "py", ClientID: "ca", Name: "ProjectY"},
		},
		nil,
		[]entity.User{
			{ID: "ua", Name: "UserA", HourlyCost: 50},
			{ID: "ub", Name: "UserB", HourlyCost: 100},
		},
		[]entity.TimesheetEntry{
			entry("e1", "ua", "px", "ca", 4, "2024-03-01"),
			entry("e2", "ub", "px", "ca", 6, "2024-03-02"),
			entry("e3", "ua", "py", "ca", 2, "2024-03-03"),
		},
		nil,
	)
}

func TestComputeExample(t *testing.T) {
	r := Compute(exampleSnapshot(), Filter{Start: *date("2024-03-01"), End: *date("2024-03-31")})
	if len(r.Clients) != 1 {
		t.Fatalf("expected one client, got %d", len(r.Clients))
	}
	client := r.Clients[0]
	if client.Hours != 12 || client.Value != 900 {
		t.Fatalf("expected ClientA 12h/900, got %vh/%v", client.Hours, client.Value)
	}
	if len(client.Projects) != 2 || client.Projects[0].Name != "ProjectX" {
		t.Fatalf("expected ProjectX then ProjectY, got %+v", client.Projects)
	}
	px, py := client.Projects[0], client.Projects[1]
	if px.Hours != 10 || px.Value != 800 {
		t.Fatalf("expected ProjectX 10h/800, got %vh/%v", px.Hours, px.Value)
	}
	if py.Hours != 2 || py.Value != 100 {
		t.Fatalf("expected ProjectY 2h/100, got %vh/%v", py.Hours, py.Value)
	}
	if px.Collaborators[0].UserID != "ub" || px.Collaborators[0].Share != 60 || px.Collaborators[1].Share != 40 {
		t.Fatalf("expected UserB 60%% then UserA 40%%, got %+v", px.Collaborators)
	}
	if px.EffectiveRate == nil || *px.EffectiveRate != 200 {
		t.Fatalf("expected effective rate 200, got %v", px.EffectiveRate)
	}
	if r.Hours != 12 || r.Value != 900 || r.Entries != 3 {
		t.Fatalf("unexpected grand totals: %+v", r)
	}
}

func TestComputeConservesExactly(t *testing.T) {
	entries := []entity.TimesheetEntry{}
	for i, h := range []float64{0.1, 0.2, 0.3, 1.0 / 3, 7.25, 0.05} {
		user := "ua"
		if i%2 == 1 {
			user = "ub"
		}
		entries = append(entries, entry(string(rune('a'+i)), user, "px", "ca", h, "2024-03-01"))
	}
	snap := store.NewSnapshot(
		[]entity.Client{{ID: "ca", Name: "ClientA"}},
		[]entity.Project{{ID: "px", ClientID: "ca", Name: "ProjectX"}},
		nil,
		[]entity.User{{ID: "ua", Name: "UserA", HourlyCost: 33.33}, {ID: "ub", Name: "UserB", HourlyCost: 71.9}},
		entries,
		nil,
	)
	r := Compute(snap, Filter{})
	project := r.Clients[0].Projects[0]

	var secs, cs int64
	var share float64
	for _, c := range project.Collaborators {
		secs += c.Seconds
		cs += c.ValueCentSeconds
		share += c.Share
	}
	if secs != project.Seconds || cs != project.ValueCentSeconds {
		t.Fatalf("collaborator sums %d/%d differ from project %d/%d", secs, cs, project.Seconds, project.ValueCentSeconds)
	}
	if project.Seconds != r.Clients[0].Seconds || project.ValueCentSeconds != r.Clients[0].ValueCentSeconds {
		t.Fatalf("project sums differ from client")
	}
	if math.Abs(share-100) > 1e-9 {
		t.Fatalf("expected shares to sum to 100, got %v", share)
	}
}

func TestComputeExportedTotalsAddUp(t *testing.T) {
	snap := store.NewSnapshot(
		[]entity.Client{{ID: "ca", Name: "ClientA"}},
		[]entity.Project{
			{ID: "px", ClientID: "ca", Name: "ProjectX"},
			{ID: "py", ClientID: "ca", Name: "ProjectY"},
		},
		nil,
		[]entity.User{{ID: "ua", Name: "UserA", HourlyCost: 33.33}, {ID: "ub", Name: "UserB", HourlyCost: 71.9}},
		[]entity.TimesheetEntry{
			entry("e1", "ua", "px", "ca", 0.1, "2024-03-01"),
			entry("e2", "ub", "px", "ca", 0.2, "2024-03-01"),
			entry("e3", "ua", "py", "ca", 0.7, "2024-03-02"),
		},
		nil,
	)
	r := Compute(snap, Filter{})
	client := r.Clients[0]

	var clientHours, clientValue float64
	var clientSecs, clientCS int64
	for _, project := range client.Projects {
		var hours, value float64
		var secs, cs int64
		for _, c := range project.Collaborators {
			hours += c.Hours
			value += c.Value
			secs += c.Seconds
			cs += c.ValueCentSeconds
		}
		if hours != project.Hours || value != project.Value {
			t.Fatalf("%s: collaborators add up to %vh/%v, project reports %vh/%v", project.Name, hours, value, project.Hours, project.Value)
		}
		if secs != project.Seconds || cs != project.ValueCentSeconds {
			t.Fatalf("%s: collaborators add up to %ds/%d, project reports %ds/%d", project.Name, secs, cs, project.Seconds, project.ValueCentSeconds)
		}
		clientHours += project.Hours
		clientValue += project.Value
		clientSecs += project.Seconds
		clientCS += project.ValueCentSeconds
	}
	if clientHours != client.Hours || clientValue != client.Value || clientSecs != client.Seconds || clientCS != client.ValueCentSeconds {
		t.Fatalf("projects add up to %vh/%v/%ds/%d, client reports %vh/%v/%ds/%d",
			clientHours, clientValue, clientSecs, clientCS, client.Hours, client.Value, client.Seconds, client.ValueCentSeconds)
	}
	if r.Hours != client.Hours || r.Value != client.Value || r.Seconds != 3600 {
		t.Fatalf("expected totals to match the single client and one hour, got %vh/%v/%ds", r.Hours, r.Value, r.Seconds)
	}
	if r.ValueCentSeconds != 360*3333+720*7190+2520*3333 {
		t.Fatalf("unexpected exact value %d", r.ValueCentSeconds)
	}
}

func TestComputeFlagsUnresolvedReferences(t *testing.T) {
	snap := store.NewSnapshot(nil, nil, nil, nil, []entity.TimesheetEntry{
		entry("e1", "ghost", "p9", "c9", 3, "2024-03-01"),
	}, nil)
	r := Compute(snap, Filter{})
	client := r.Clients[0]
	if !client.Unresolved || client.Name != "c9" {
		t.Fatalf("expected unresolved client named by id, got %+v", client)
	}
	project := client.Projects[0]
	if !project.Unresolved || project.Budget != 0 {
		t.Fatalf("expected unresolved project, got %+v", project)
	}
	collab := project.Collaborators[0]
	if !collab.Unresolved || collab.Value != 0 || collab.Hours != 3 {
		t.Fatalf("expected unresolved zero-value collaborator, got %+v", collab)
	}
}

func TestComputeZeroHoursHasNilRate(t *testing.T) {
	snap := store.NewSnapshot(
		[]entity.Client{{ID: "ca", Name: "ClientA"}},
		[]entity.Project{{ID: "px", ClientID: "ca", Name: "ProjectX", Budget: 500}},
		nil,
		[]entity.User{{ID: "ua", Name: "UserA", HourlyCost: 50}},
		[]entity.TimesheetEntry{entry("e1", "ua", "px", "ca", 0, "2024-03-01")},
		nil,
	)
	project := Compute(snap, Filter{}).Clients[0].Projects[0]
	if project.EffectiveRate != nil {
		t.Fatalf("expected nil effective rate, got %v", *project.EffectiveRate)
	}
	if project.Collaborators[0].Share != 0 {
		t.Fatalf("expected zero share, got %v", project.Collaborators[0].Share)
	}
}

func TestComputeFilters(t *testing.T) {
	snap := exampleSnapshot()
	r := Compute(snap, Filter{Start: *date("2024-03-02"), End: *date("2024-03-02")})
	if r.Hours != 6 {
		t.Fatalf("expected only the 2024-03-02 entry, got %vh", r.Hours)
	}
	r = Compute(snap, Filter{CollaboratorIDs: []string{"ua"}})
	if r.Hours != 6 || r.Value != 300 {
		t.Fatalf("expected UserA only 6h/300, got %vh/%v", r.Hours, r.Value)
	}
	r = Compute(snap, Filter{ProjectIDs: []string{"py"}, ClientIDs: []string{"ca"}})
	if r.Hours != 2 || len(r.Clients[0].Projects) != 1 {
		t.Fatalf("expected ProjectY only, got %+v", r)
	}
	r = Compute(snap, Filter{ClientIDs: []string{"nobody"}})
	if r.Hours != 0 || len(r.Clients) != 0 || r.Clients == nil {
		t.Fatalf("expected zeroed non-nil result, got %+v", r)
	}
}

func TestComputeIgnoresTaskPlacement(t *testing.T) {
	snap := store.NewSnapshot(
		[]entity.Client{{ID: "ca", Name: "ClientA"}, {ID: "cb", Name: "ClientB"}},
		[]entity.Project{{ID: "px", ClientID: "ca", Name: "ProjectX"}},
		[]entity.Task{{ID: "t1", ProjectID: "px", ClientID: "cb"}},
		nil,
		[]entity.TimesheetEntry{{ID: "e1", TaskID: "t1", ProjectID: "px", ClientID: "ca", UserID: "u1", Hours: 1}},
		nil,
	)
	r := Compute(snap, Filter{})
	if len(r.Clients) != 1 || r.Clients[0].ClientID != "ca" {
		t.Fatalf("expected entry placed by its own client key, got %+v", r.Clients)
	}
}

func TestComputeNilSnapshot(t *testing.T) {
	if r := Compute(nil, Filter{}); r.Hours != 0 || r.Clients == nil {
		t.Fatalf("expected zeroed rollup, got %+v", r)
	}
}
