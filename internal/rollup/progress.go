package rollup

import (
	"math"
	"sort"
	"time"

	"github.com/agentworkforce/relaycache/internal/entity"
	"github.com/agentworkforce/relaycache/internal/store"
)

// WeightedProgress averages task progress weighted by estimated hours. Tasks
// without a positive estimate only count when no task has one, in which case
// the plain mean of all tasks is returned.
func WeightedProgress(tasks []entity.Task) float64 {
	if len(tasks) == 0 {
		return 0
	}
	var weighted, estimate, plain float64
	for _, t := range tasks {
		plain += t.Progress
		if t.EstimatedHours > 0 {
			weighted += t.Progress * t.EstimatedHours
			estimate += t.EstimatedHours
		}
	}
	if estimate == 0 {
		return plain / float64(len(tasks))
	}
	return weighted / estimate
}

// PlannedProgress is the share of the planned window elapsed at now: 0 before
// start, 100 after end, linear in between. ok is false unless both dates are
// set and start precedes end.
func PlannedProgress(start, end *time.Time, now time.Time) (progress float64, ok bool) {
	if start == nil || end == nil || !start.Before(*end) {
		return 0, false
	}
	switch {
	case now.Before(*start):
		return 0, true
	case !now.Before(*end):
		return 100, true
	}
	return float64(now.Sub(*start)) / float64(end.Sub(*start)) * 100, true
}

// TaskPlannedProgress applies PlannedProgress to a task's planned dates.
func TaskPlannedProgress(t entity.Task, now time.Time) (float64, bool) {
	return PlannedProgress(t.PlannedStart, t.PlannedDelivery, now)
}

type ProjectSummary struct {
	ProjectID  string                    `json:"projectId"`
	Name       string                    `json:"name"`
	ClientID   string                    `json:"clientId"`
	ClientName string                    `json:"clientName"`
	Status     entity.ProjectStatus      `json:"status"`
	Tasks      int                       `json:"tasks"`
	ByStatus   map[entity.TaskStatus]int `json:"byStatus"`
	Progress   float64                   `json:"progress"`
	// ExpectedProgress follows the project's planned dates; nil without them.
	ExpectedProgress *float64 `json:"expectedProgress"`
	// DelayDays compares the actual end (or today when unfinished) with the
	// planned end. Positive means late.
	DelayDays *int `json:"delayDays"`
}

// Summaries builds the executive view of the selected projects, or of every
// project when projectIDs is empty.
func Summaries(snap *store.Snapshot, projectIDs []string, today time.Time) []ProjectSummary {
	out := []ProjectSummary{}
	if snap == nil {
		return out
	}
	selected := idSet(projectIDs)
	tasks := map[string][]entity.Task{}
	for _, t := range snap.Tasks {
		tasks[t.ProjectID] = append(tasks[t.ProjectID], t)
	}
	today = day(today)

	for _, p := range snap.Projects {
		if !contains(selected, p.ID) {
			continue
		}
		summary := ProjectSummary{
			ProjectID: p.ID,
			Name:      p.Name,
			ClientID:  p.ClientID,
			Status:    p.Status,
			ByStatus: map[entity.TaskStatus]int{
				entity.TaskTodo:       0,
				entity.TaskInProgress: 0,
				entity.TaskReview:     0,
				entity.TaskDone:       0,
			},
		}
		if client, ok := snap.LookupClient(p.ClientID); ok {
			summary.ClientName = client.Name
		} else {
			summary.ClientName = p.ClientID
		}
		projectTasks := tasks[p.ID]
		summary.Tasks = len(projectTasks)
		for _, t := range projectTasks {
			summary.ByStatus[t.Status]++
		}
		summary.Progress = WeightedProgress(projectTasks)
		if expected, ok := PlannedProgress(p.PlannedStart, p.PlannedEnd, today); ok {
			summary.ExpectedProgress = &expected
		}
		if p.PlannedEnd != nil {
			finish := today
			if p.ActualEnd != nil {
				finish = day(*p.ActualEnd)
			}
			delay := int(math.Round(finish.Sub(day(*p.PlannedEnd)).Hours() / 24))
			summary.DelayDays = &delay
		}
		out = append(out, summary)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return byNameThenID(out[i].Name, out[i].ProjectID, out[j].Name, out[j].ProjectID)
	})
	return out
}
