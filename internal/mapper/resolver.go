package mapper

import (
	"fmt"

	"github.com/agentworkforce/relaycache/internal/entity"
)

// Lookup reads the current state of referenced tables. Implementations must
// answer from the state at call time, never from a copy taken earlier.
type Lookup interface {
	LookupUser(id string) (entity.User, bool)
	LookupProject(id string) (entity.Project, bool)
	LookupClient(id string) (entity.Client, bool)
}

// Resolver fills denormalized fields. A nil Lookup resolves nothing.
type Resolver struct {
	lookup Lookup
}

func NewResolver(lookup Lookup) Resolver {
	return Resolver{lookup: lookup}
}

// UserName returns the user's display name, or the raw id when the user is unknown.
func (r Resolver) UserName(id string) (string, bool) {
	if id == "" {
		return "", false
	}
	if r.lookup != nil {
		if u, ok := r.lookup.LookupUser(id); ok && u.Name != "" {
			return u.Name, true
		}
	}
	return id, false
}

// TaskClient returns the client a task belongs to. A known project decides; the
// second result reports a disagreement with the raw client id.
func (r Resolver) TaskClient(projectID, rawClientID string) (string, bool) {
	if r.lookup == nil || projectID == "" {
		return rawClientID, false
	}
	p, ok := r.lookup.LookupProject(projectID)
	if !ok || p.ClientID == "" {
		return rawClientID, false
	}
	return p.ClientID, rawClientID != "" && rawClientID != p.ClientID
}

func (r Resolver) task(t entity.Task) (entity.Task, []string) {
	var notes []string
	clientID, mismatch := r.TaskClient(t.ProjectID, t.ClientID)
	if mismatch {
		notes = append(notes, fmt.Sprintf("task %s client %s differs from project %s client %s", t.ID, t.ClientID, t.ProjectID, clientID))
	}
	t.ClientID = clientID
	return r.names(t), notes
}

func (r Resolver) names(t entity.Task) entity.Task {
	t.DeveloperName, _ = r.UserName(t.DeveloperID)
	names := make([]string, len(t.CollaboratorIDs))
	for i, id := range t.CollaboratorIDs {
		names[i], _ = r.UserName(id)
	}
	t.CollaboratorNames = names
	return t
}

func (r Resolver) client(c entity.Client) (entity.Client, []string) {
	if c.PartnerID == "" {
		return c, nil
	}
	if c.Type == entity.ClientTypePartner {
		return withoutPartner(c), []string{fmt.Sprintf("partner client %s cannot reference partner %s", c.ID, c.PartnerID)}
	}
	if c.PartnerID == c.ID {
		return withoutPartner(c), []string{fmt.Sprintf("client %s references itself as partner", c.ID)}
	}
	if r.lookup == nil {
		return c, nil
	}
	partner, ok := r.lookup.LookupClient(c.PartnerID)
	if !ok || partner.Type == entity.ClientTypePartner {
		return c, nil
	}
	return withoutPartner(c), []string{fmt.Sprintf("client %s partner %s is not a partner client", c.ID, c.PartnerID)}
}

// ResolveTask recomputes a stored task's developer and collaborator display
// names and re-derives its client from the project when the project is known.
func ResolveTask(t entity.Task, lookup Lookup) entity.Task {
	t.CollaboratorIDs = append([]string(nil), t.CollaboratorIDs...)
	resolved, _ := NewResolver(lookup).task(t)
	return resolved
}

// ResolveClient re-checks a stored client's partner link against current
// state; an invalid link is cleared and explained in the notes.
func ResolveClient(c entity.Client, lookup Lookup) (entity.Client, []string) {
	return NewResolver(lookup).client(c)
}

func withoutPartner(c entity.Client) entity.Client {
	c.PartnerID = ""
	return c
}
