package services

import (
	"strings"

	"go.uber.org/zap"

	"github.com/orgmigrate/orgmigrate/internal/domain/events"
	"github.com/orgmigrate/orgmigrate/internal/domain/models"
	"github.com/orgmigrate/orgmigrate/pkg/constants"
)

// TaskGraph is the linearized run plan: one task per object, three derived
// sequences over the same tasks.
type TaskGraph struct {
	// Tasks is the execution order: parents precede children for writes.
	Tasks []*Task
	// QueryOrder is the retrieval order over the same tasks.
	QueryOrder []*Task
	// DeleteOrder is the execution order reversed.
	DeleteOrder []*Task

	byName map[string]*Task
}

// Task returns the task for an object name, nil when absent from the run.
func (g *TaskGraph) Task(object string) *Task {
	return g.byName[strings.ToLower(object)]
}

const maxBubblePasses = 10

// BuildTaskGraph linearizes the described objects. In preserve mode the
// declaration order is kept as-is; in smart mode RecordType leads, readonly
// objects follow, and the rest are placed parent-before-child with a
// master-detail bubble pass on top. Ties keep declaration order.
func BuildTaskGraph(descs []*models.ObjectDescriptor, preserve bool, bus *events.Bus, log *zap.SugaredLogger) *TaskGraph {
	g := &TaskGraph{byName: map[string]*Task{}}

	var order []*models.ObjectDescriptor
	if preserve {
		order = append(order, descs...)
	} else {
		order = smartOrder(descs)
	}

	for _, d := range order {
		t := NewTask(d)
		g.Tasks = append(g.Tasks, t)
		g.byName[strings.ToLower(d.Name)] = t
	}

	g.QueryOrder = buildQueryOrder(g.Tasks)
	g.DeleteOrder = make([]*Task, len(g.Tasks))
	for i, t := range g.Tasks {
		g.DeleteOrder[len(g.Tasks)-1-i] = t
	}

	summary := "query [" + joinObjects(g.QueryOrder) + "] execute [" + joinObjects(g.Tasks) + "] delete [" + joinObjects(g.DeleteOrder) + "]"
	log.Infow("resolved object order", "order", summary)
	bus.Publish(events.Event{Type: events.OrderResolved, Message: summary})
	return g
}

func smartOrder(descs []*models.ObjectDescriptor) []*models.ObjectDescriptor {
	inRun := map[string]*models.ObjectDescriptor{}
	for _, d := range descs {
		inRun[strings.ToLower(d.Name)] = d
	}

	var order []*models.ObjectDescriptor
	used := map[string]bool{}
	take := func(d *models.ObjectDescriptor) {
		order = append(order, d)
		used[strings.ToLower(d.Name)] = true
	}

	// RecordType always heads the list
	for _, d := range descs {
		if d.Name == constants.ObjectRecordType {
			take(d)
		}
	}
	// then readonly objects in declaration order
	for _, d := range descs {
		if !used[strings.ToLower(d.Name)] && d.IsReadonly() {
			take(d)
		}
	}
	// then the rest, each placed so its parents already in the list stay
	// before it and its children stay after it
	for _, d := range descs {
		if used[strings.ToLower(d.Name)] {
			continue
		}
		idx := insertionIndex(order, d)
		order = append(order, nil)
		copy(order[idx+1:], order[idx:])
		order[idx] = d
		used[strings.ToLower(d.Name)] = true
	}

	// bubble pass: a master-detail parent standing after its detail moves up
	for pass := 0; pass < maxBubblePasses; pass++ {
		changed := false
		for i := 0; i < len(order); i++ {
			for j := i + 1; j < len(order); j++ {
				if isMasterDetailParentOf(order[j], order[i]) {
					order[i], order[j] = order[j], order[i]
					changed = true
				}
			}
		}
		if !changed {
			break
		}
	}
	return order
}

// insertionIndex finds the earliest position before any already-placed
// child of d; parents already placed always end up before that point.
func insertionIndex(order []*models.ObjectDescriptor, d *models.ObjectDescriptor) int {
	lastParent := -1
	firstChild := len(order)
	for i, o := range order {
		if referencesObject(d, o.Name) && i > lastParent {
			lastParent = i
		}
		if referencesObject(o, d.Name) && i < firstChild {
			firstChild = i
		}
	}
	if firstChild > lastParent {
		return firstChild
	}
	return lastParent + 1
}

// referencesObject reports whether child declares a lookup into parentName.
func referencesObject(child *models.ObjectDescriptor, parentName string) bool {
	for _, f := range child.Fields {
		if f.IsLookup && strings.EqualFold(f.Referenced, parentName) {
			return true
		}
	}
	return false
}

// isMasterDetailParentOf reports whether p is the master side of a
// master-detail lookup declared on c.
func isMasterDetailParentOf(p, c *models.ObjectDescriptor) bool {
	for _, f := range c.Fields {
		if f.IsLookup && f.IsMasterDetail && strings.EqualFold(f.Referenced, p.Name) {
			return true
		}
	}
	return false
}

// buildQueryOrder derives the retrieval order: master-detail children,
// explicitly bounded queries and readonly objects first, then the rest in
// execution order, then the known special-object pair table as a bubble
// pass.
func buildQueryOrder(tasks []*Task) []*Task {
	var head, tail []*Task
	for _, t := range tasks {
		d := t.Descriptor
		if d.MasterDetail || d.HasBoundedQuery || d.IsReadonly() {
			head = append(head, t)
		} else {
			tail = append(tail, t)
		}
	}
	order := append(append([]*Task{}, head...), tail...)

	for pass := 0; pass < maxBubblePasses; pass++ {
		changed := false
		for i := 0; i < len(order); i++ {
			after, special := constants.SpecialObjectQueryOrder[order[i].Object()]
			if !special {
				continue
			}
			for j := i + 1; j < len(order); j++ {
				for _, name := range after {
					if strings.EqualFold(order[j].Object(), name) {
						order[i], order[j] = order[j], order[i]
						changed = true
					}
				}
			}
		}
		if !changed {
			break
		}
	}
	return order
}

func joinObjects(tasks []*Task) string {
	names := make([]string, len(tasks))
	for i, t := range tasks {
		names[i] = t.Object()
	}
	return strings.Join(names, ", ")
}
