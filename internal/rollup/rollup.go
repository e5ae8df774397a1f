// Package rollup derives client, project and collaborator aggregates from a
// store snapshot. Everything here is pure and safe for concurrent use.
package rollup

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/relaycache/internal/entity"
	"github.com/agentworkforce/relaycache/internal/store"
)

// Filter selects timesheet entries. Start and End are inclusive calendar days;
// a zero bound is open. Empty id sets match everything.
type Filter struct {
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	ClientIDs       []string  `json:"clientIds,omitempty"`
	ProjectIDs      []string  `json:"projectIds,omitempty"`
	CollaboratorIDs []string  `json:"collaboratorIds,omitempty"`
}

// Hours and Value of every node are the sums, in listed order, of the Hours
// and Value of its children. Seconds and ValueCentSeconds carry the exact
// totals; Value is ValueCentSeconds / 360000.
type Collaborator struct {
	UserID string  `json:"userId"`
	Name   string  `json:"name"`
	Hours  float64 `json:"hours"`
	Value  float64 `json:"value"`
	// Share is this collaborator's part of the project hours, in percent.
	Share float64 `json:"share"`
	// Unresolved marks a user missing from the snapshot; its value is 0.
	Unresolved bool `json:"unresolved,omitempty"`

	Seconds          int64         `json:"seconds"`
	ValueCentSeconds int64         `json:"valueCentSeconds"`
	Duration         time.Duration `json:"-"`
}

type Project struct {
	ProjectID string  `json:"projectId"`
	Name      string  `json:"name"`
	Hours     float64 `json:"hours"`
	Value     float64 `json:"value"`
	Budget    float64 `json:"budget"`
	// EffectiveRate is Budget / Hours, nil when no hours were logged.
	EffectiveRate *float64       `json:"effectiveRate"`
	Unresolved    bool           `json:"unresolved,omitempty"`
	Collaborators []Collaborator `json:"collaborators"`

	Seconds          int64         `json:"seconds"`
	ValueCentSeconds int64         `json:"valueCentSeconds"`
	Duration         time.Duration `json:"-"`
}

type Client struct {
	ClientID   string    `json:"clientId"`
	Name       string    `json:"name"`
	Hours      float64   `json:"hours"`
	Value      float64   `json:"value"`
	Unresolved bool      `json:"unresolved,omitempty"`
	Projects   []Project `json:"projects"`

	Seconds          int64         `json:"seconds"`
	ValueCentSeconds int64         `json:"valueCentSeconds"`
	Duration         time.Duration `json:"-"`
}

type Rollup struct {
	Generation uint64   `json:"generation"`
	Entries    int      `json:"entries"`
	Hours      float64  `json:"hours"`
	Value      float64  `json:"value"`
	Clients    []Client `json:"clients"`

	Seconds          int64         `json:"seconds"`
	ValueCentSeconds int64         `json:"valueCentSeconds"`
	Duration         time.Duration `json:"-"`
}

// Compute aggregates the entries of snap matching filter. Entries are placed
// by their own client, project and user keys, never through their task.
func Compute(snap *store.Snapshot, filter Filter) Rollup {
	out := Rollup{Clients: []Client{}}
	if snap == nil {
		return out
	}
	out.Generation = snap.Generation

	match := newMatcher(filter)
	clients := map[string]*clientAcc{}
	for _, e := range snap.TimesheetEntries {
		if !match.entry(e) {
			continue
		}
		out.Entries++
		seconds := entrySeconds(e)

		var centSeconds int64
		user, userKnown := snap.LookupUser(e.UserID)
		if userKnown {
			centSeconds = seconds * cents(user.HourlyCost)
		}

		c := clients[e.ClientID]
		if c == nil {
			c = &clientAcc{projects: map[string]*projectAcc{}}
			if client, ok := snap.LookupClient(e.ClientID); ok {
				c.node = Client{ClientID: client.ID, Name: client.Name}
			} else {
				c.node = Client{ClientID: e.ClientID, Name: e.ClientID, Unresolved: true}
			}
			clients[e.ClientID] = c
		}
		p := c.projects[e.ProjectID]
		if p == nil {
			p = &projectAcc{collaborators: map[string]*Collaborator{}}
			if project, ok := snap.LookupProject(e.ProjectID); ok {
				p.node = Project{ProjectID: project.ID, Name: project.Name, Budget: project.Budget}
			} else {
				p.node = Project{ProjectID: e.ProjectID, Name: e.ProjectID, Unresolved: true}
			}
			c.projects[e.ProjectID] = p
		}
		u := p.collaborators[e.UserID]
		if u == nil {
			u = &Collaborator{UserID: e.UserID, Name: e.UserID, Unresolved: !userKnown}
			if userKnown {
				u.Name = user.Name
			}
			p.collaborators[e.UserID] = u
		}

		d := time.Duration(seconds) * time.Second
		u.Duration += d
		u.ValueCentSeconds += centSeconds
		p.node.Duration += d
		p.node.ValueCentSeconds += centSeconds
		c.node.Duration += d
		c.node.ValueCentSeconds += centSeconds
		out.Duration += d
		out.ValueCentSeconds += centSeconds
	}

	for _, c := range clients {
		client := c.node
		client.Projects = make([]Project, 0, len(c.projects))
		for _, p := range c.projects {
			project := p.node
			project.Collaborators = make([]Collaborator, 0, len(p.collaborators))
			for _, u := range p.collaborators {
				collab := *u
				collab.Seconds = wholeSeconds(collab.Duration)
				collab.Hours = hours(collab.Duration)
				collab.Value = money(collab.ValueCentSeconds)
				if project.Duration > 0 {
					collab.Share = float64(collab.Duration) / float64(project.Duration) * 100
				}
				project.Collaborators = append(project.Collaborators, collab)
			}
			sort.Slice(project.Collaborators, func(i, j int) bool {
				a, b := project.Collaborators[i], project.Collaborators[j]
				if a.Duration != b.Duration {
					return a.Duration > b.Duration
				}
				if a.Name != b.Name {
					return a.Name < b.Name
				}
				return a.UserID < b.UserID
			})
			project.Seconds = wholeSeconds(project.Duration)
			for _, collab := range project.Collaborators {
				project.Hours += collab.Hours
				project.Value += collab.Value
			}
			if project.Hours > 0 {
				rate := project.Budget / project.Hours
				project.EffectiveRate = &rate
			}
			client.Projects = append(client.Projects, project)
		}
		sort.Slice(client.Projects, func(i, j int) bool {
			return byNameThenID(client.Projects[i].Name, client.Projects[i].ProjectID, client.Projects[j].Name, client.Projects[j].ProjectID)
		})
		client.Seconds = wholeSeconds(client.Duration)
		for _, project := range client.Projects {
			client.Hours += project.Hours
			client.Value += project.Value
		}
		out.Clients = append(out.Clients, client)
	}
	sort.Slice(out.Clients, func(i, j int) bool {
		return byNameThenID(out.Clients[i].Name, out.Clients[i].ClientID, out.Clients[j].Name, out.Clients[j].ClientID)
	})
	out.Seconds = wholeSeconds(out.Duration)
	for _, client := range out.Clients {
		out.Hours += client.Hours
		out.Value += client.Value
	}
	return out
}

type clientAcc struct {
	node     Client
	projects map[string]*projectAcc
}

type projectAcc struct {
	node          Project
	collaborators map[string]*Collaborator
}

type matcher struct {
	start, end    time.Time
	clients       map[string]struct{}
	projects      map[string]struct{}
	collaborators map[string]struct{}
}

func newMatcher(f Filter) matcher {
	m := matcher{
		clients:       idSet(f.ClientIDs),
		projects:      idSet(f.ProjectIDs),
		collaborators: idSet(f.CollaboratorIDs),
	}
	if !f.Start.IsZero() {
		m.start = day(f.Start)
	}
	if !f.End.IsZero() {
		m.end = day(f.End)
	}
	return m
}

func (m matcher) entry(e entity.TimesheetEntry) bool {
	if !m.start.IsZero() || !m.end.IsZero() {
		if e.Date == nil {
			return false
		}
		d := day(*e.Date)
		if !m.start.IsZero() && d.Before(m.start) {
			return false
		}
		if !m.end.IsZero() && d.After(m.end) {
			return false
		}
	}
	return contains(m.clients, e.ClientID) && contains(m.projects, e.ProjectID) && contains(m.collaborators, e.UserID)
}

func idSet(ids []string) map[string]struct{} {
	var set map[string]struct{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if set == nil {
			set = map[string]struct{}{}
		}
		set[id] = struct{}{}
	}
	return set
}

func contains(set map[string]struct{}, id string) bool {
	if set == nil {
		return true
	}
	_, ok := set[id]
	return ok
}

// entrySeconds prefers the mapped duration and falls back to Hours for
// entries built by hand.
func entrySeconds(e entity.TimesheetEntry) int64 {
	if e.Duration > 0 {
		return int64(e.Duration.Round(time.Second) / time.Second)
	}
	if e.Hours > 0 {
		return int64(math.Round(e.Hours * 3600))
	}
	return 0
}

func cents(amount float64) int64 {
	if amount <= 0 {
		return 0
	}
	return int64(math.Round(amount * 100))
}

func wholeSeconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

func hours(d time.Duration) float64 {
	return d.Hours()
}

// money converts cent-seconds to currency units.
func money(centSeconds int64) float64 {
	return float64(centSeconds) / 360000
}

func byNameThenID(nameA, idA, nameB, idB string) bool {
	if a, b := strings.ToLower(nameA), strings.ToLower(nameB); a != b {
		return a < b
	}
	return idA < idB
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
