package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Fake is an in-memory Client for tests and offline operation. Fail maps an
// operation name (e.g. "CreateItem") to an error returned on the next call;
// the entry is consumed once.
type Fake struct {
	mu         sync.Mutex
	items      map[int]*Item
	comments   map[int][]string
	milestones map[int]*Milestone
	nextItem   int
	nextMile   int

	Fail  map[string]error
	Calls []string // operation log, oldest first
}

// NewFake creates an empty fake tracker.
func NewFake() *Fake {
	return &Fake{
		items:      map[int]*Item{},
		comments:   map[int][]string{},
		milestones: map[int]*Milestone{},
		nextItem:   1,
		nextMile:   1,
		Fail:       map[string]error{},
	}
}

func (f *Fake) failFor(op string) error {
	f.Calls = append(f.Calls, op)
	if err, ok := f.Fail[op]; ok {
		delete(f.Fail, op)
		return err
	}
	return nil
}

func (f *Fake) CreateItem(ctx context.Context, item NewItem) (Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor("CreateItem"); err != nil {
		return Item{}, err
	}
	it := &Item{
		Number:    f.nextItem,
		Title:     item.Title,
		Body:      item.Body,
		State:     StateOpen,
		Labels:    append([]string(nil), item.Labels...),
		Assignees: append([]string(nil), item.Assignees...),
		Milestone: item.Milestone,
		UpdatedAt: time.Now().UTC(),
	}
	f.nextItem++
	f.items[it.Number] = it
	return *it, nil
}

func (f *Fake) GetItem(ctx context.Context, number int) (Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor("GetItem"); err != nil {
		return Item{}, err
	}
	it, ok := f.items[number]
	if !ok {
		return Item{}, fmt.Errorf("item %d not found", number)
	}
	return *it, nil
}

func (f *Fake) UpdateItem(ctx context.Context, number int, patch ItemPatch) (Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor("UpdateItem"); err != nil {
		return Item{}, err
	}
	it, ok := f.items[number]
	if !ok {
		return Item{}, fmt.Errorf("item %d not found", number)
	}
	if patch.Title != nil {
		it.Title = *patch.Title
	}
	if patch.Body != nil {
		it.Body = *patch.Body
	}
	if patch.State != nil {
		it.State = *patch.State
	}
	if patch.Labels != nil {
		it.Labels = append([]string(nil), (*patch.Labels)...)
	}
	it.UpdatedAt = time.Now().UTC()
	return *it, nil
}

func (f *Fake) CloseItem(ctx context.Context, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor("CloseItem"); err != nil {
		return err
	}
	it, ok := f.items[number]
	if !ok {
		return fmt.Errorf("item %d not found", number)
	}
	it.State = StateClosed
	it.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *Fake) ListItems(ctx context.Context, filter ListFilter) ([]Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor("ListItems"); err != nil {
		return nil, err
	}
	var out []Item
	for _, it := range f.items {
		if filter.State != "" && it.State != filter.State {
			continue
		}
		if filter.Milestone != 0 && it.Milestone != filter.Milestone {
			continue
		}
		if !hasAll(it.Labels, filter.Labels) {
			continue
		}
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func hasAll(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (f *Fake) AddLabels(ctx context.Context, number int, labels ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor("AddLabels"); err != nil {
		return err
	}
	it, ok := f.items[number]
	if !ok {
		return fmt.Errorf("item %d not found", number)
	}
	for _, l := range labels {
		if !hasAll(it.Labels, []string{l}) {
			it.Labels = append(it.Labels, l)
		}
	}
	return nil
}

func (f *Fake) RemoveLabel(ctx context.Context, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor("RemoveLabel"); err != nil {
		return err
	}
	it, ok := f.items[number]
	if !ok {
		return fmt.Errorf("item %d not found", number)
	}
	out := it.Labels[:0]
	for _, l := range it.Labels {
		if l != label {
			out = append(out, l)
		}
	}
	it.Labels = out
	return nil
}

func (f *Fake) AddAssignees(ctx context.Context, number int, assignees ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor("AddAssignees"); err != nil {
		return err
	}
	it, ok := f.items[number]
	if !ok {
		return fmt.Errorf("item %d not found", number)
	}
	for _, a := range assignees {
		if !hasAll(it.Assignees, []string{a}) {
			it.Assignees = append(it.Assignees, a)
		}
	}
	return nil
}

func (f *Fake) RemoveAssignee(ctx context.Context, number int, assignee string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor("RemoveAssignee"); err != nil {
		return err
	}
	it, ok := f.items[number]
	if !ok {
		return fmt.Errorf("item %d not found", number)
	}
	out := it.Assignees[:0]
	for _, a := range it.Assignees {
		if a != assignee {
			out = append(out, a)
		}
	}
	it.Assignees = out
	return nil
}

func (f *Fake) CreateComment(ctx context.Context, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor("CreateComment"); err != nil {
		return err
	}
	if _, ok := f.items[number]; !ok {
		return fmt.Errorf("item %d not found", number)
	}
	f.comments[number] = append(f.comments[number], body)
	return nil
}

// Comments returns the comment bodies recorded for an item.
func (f *Fake) Comments(number int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.comments[number]...)
}

func (f *Fake) CreateMilestone(ctx context.Context, m Milestone) (Milestone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor("CreateMilestone"); err != nil {
		return Milestone{}, err
	}
	m.Number = f.nextMile
	if m.State == "" {
		m.State = StateOpen
	}
	f.nextMile++
	f.milestones[m.Number] = &m
	return m, nil
}

func (f *Fake) ListMilestones(ctx context.Context) ([]Milestone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor("ListMilestones"); err != nil {
		return nil, err
	}
	var out []Milestone
	for _, m := range f.milestones {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (f *Fake) UpdateMilestone(ctx context.Context, number int, m Milestone) (Milestone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor("UpdateMilestone"); err != nil {
		return Milestone{}, err
	}
	cur, ok := f.milestones[number]
	if !ok {
		return Milestone{}, fmt.Errorf("milestone %d not found", number)
	}
	m.Number = number
	if m.State == "" {
		m.State = cur.State
	}
	*cur = m
	return m, nil
}

// Item returns a copy of one stored item, for assertions.
func (f *Fake) Item(number int) (Item, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[number]
	if !ok {
		return Item{}, false
	}
	return *it, true
}
