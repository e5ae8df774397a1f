package store

import (
	memdb "github.com/hashicorp/go-memdb"

	"github.com/agentworkforce/relaycache/internal/entity"
)

// Snapshot is a consistent copy of all tables taken from one read
// transaction. Slices are in display order and must not be modified.
type Snapshot struct {
	Generation       uint64                     `json:"generation"`
	Clients          []entity.Client            `json:"clients"`
	Projects         []entity.Project           `json:"projects"`
	Tasks            []entity.Task              `json:"tasks"`
	Users            []entity.User              `json:"users"`
	TimesheetEntries []entity.TimesheetEntry    `json:"timesheetEntries"`
	Memberships      []entity.ProjectMembership `json:"projectMembers"`

	clients  map[string]int
	projects map[string]int
	tasks    map[string]int
	users    map[string]int
}

func (s *Store) Snapshot() *Snapshot {
	txn := s.db.Txn(false)
	defer txn.Abort()

	snap := &Snapshot{}
	snap.Generation, _, _ = generation(txn)
	each(txn, entity.KindClient, func(v entity.Entity) { snap.Clients = append(snap.Clients, v.(entity.Client)) })
	each(txn, entity.KindProject, func(v entity.Entity) { snap.Projects = append(snap.Projects, v.(entity.Project)) })
	each(txn, entity.KindTask, func(v entity.Entity) { snap.Tasks = append(snap.Tasks, v.(entity.Task)) })
	each(txn, entity.KindUser, func(v entity.Entity) { snap.Users = append(snap.Users, v.(entity.User)) })
	each(txn, entity.KindTimesheetEntry, func(v entity.Entity) {
		snap.TimesheetEntries = append(snap.TimesheetEntries, v.(entity.TimesheetEntry))
	})
	each(txn, entity.KindProjectMembership, func(v entity.Entity) {
		snap.Memberships = append(snap.Memberships, v.(entity.ProjectMembership))
	})
	snap.index()
	return snap
}

// NewSnapshot builds a snapshot from plain slices. It is used to stage freshly
// fetched data and by tests.
func NewSnapshot(clients []entity.Client, projects []entity.Project, tasks []entity.Task, users []entity.User, entries []entity.TimesheetEntry, memberships []entity.ProjectMembership) *Snapshot {
	snap := &Snapshot{
		Clients:          clients,
		Projects:         projects,
		Tasks:            tasks,
		Users:            users,
		TimesheetEntries: entries,
		Memberships:      memberships,
	}
	snap.index()
	return snap
}

func each(txn *memdb.Txn, kind entity.Kind, fn func(entity.Entity)) {
	it, err := txn.Get(string(kind), seqIndex)
	if err != nil {
		return
	}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		fn(obj.(*record).Value)
	}
}

func (snap *Snapshot) index() {
	snap.clients = make(map[string]int, len(snap.Clients))
	for i, c := range snap.Clients {
		snap.clients[c.ID] = i
	}
	snap.projects = make(map[string]int, len(snap.Projects))
	for i, p := range snap.Projects {
		snap.projects[p.ID] = i
	}
	snap.tasks = make(map[string]int, len(snap.Tasks))
	for i, t := range snap.Tasks {
		snap.tasks[t.ID] = i
	}
	snap.users = make(map[string]int, len(snap.Users))
	for i, u := range snap.Users {
		snap.users[u.ID] = i
	}
}

func (snap *Snapshot) LookupClient(id string) (entity.Client, bool) {
	i, ok := snap.clients[id]
	if !ok {
		return entity.Client{}, false
	}
	return snap.Clients[i], true
}

func (snap *Snapshot) LookupProject(id string) (entity.Project, bool) {
	i, ok := snap.projects[id]
	if !ok {
		return entity.Project{}, false
	}
	return snap.Projects[i], true
}

func (snap *Snapshot) LookupTask(id string) (entity.Task, bool) {
	i, ok := snap.tasks[id]
	if !ok {
		return entity.Task{}, false
	}
	return snap.Tasks[i], true
}

func (snap *Snapshot) LookupUser(id string) (entity.User, bool) {
	i, ok := snap.users[id]
	if !ok {
		return entity.User{}, false
	}
	return snap.Users[i], true
}

// Table returns one table as a JSON-friendly slice; unknown kinds yield nil.
func (snap *Snapshot) Table(kind entity.Kind) any {
	switch kind {
	case entity.KindClient:
		return nonNil(snap.Clients)
	case entity.KindProject:
		return nonNil(snap.Projects)
	case entity.KindTask:
		return nonNil(snap.Tasks)
	case entity.KindUser:
		return nonNil(snap.Users)
	case entity.KindTimesheetEntry:
		return nonNil(snap.TimesheetEntries)
	case entity.KindProjectMembership:
		return nonNil(snap.Memberships)
	}
	return nil
}

// Len returns the row count of one table.
func (snap *Snapshot) Len(kind entity.Kind) int {
	switch kind {
	case entity.KindClient:
		return len(snap.Clients)
	case entity.KindProject:
		return len(snap.Projects)
	case entity.KindTask:
		return len(snap.Tasks)
	case entity.KindUser:
		return len(snap.Users)
	case entity.KindTimesheetEntry:
		return len(snap.TimesheetEntries)
	case entity.KindProjectMembership:
		return len(snap.Memberships)
	}
	return 0
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
