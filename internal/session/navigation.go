package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/stemsi/exstem-session/internal/model"
)

// NavSnapshot is a copy of the navigation state for rendering.
type NavSnapshot struct {
	Current       int   `json:"current"`
	Visited       []int `json:"visited"`
	Answered      []int `json:"answered"`
	Marked        []int `json:"marked"`
	CanGoPrevious bool  `json:"can_go_previous"`
	CanGoNext     bool  `json:"can_go_next"`
}

// Navigation tracks where the student is and what they have touched.
// Visited never shrinks.
type Navigation struct {
	mu      sync.Mutex
	ids     []string
	index   map[string]int
	options []int
	current int
	visited map[int]struct{}
	marked  map[int]struct{}
	answers map[string]int
	frozen  bool
}

// NewNavigation starts at the first question, which counts as visited.
func NewNavigation(questions []model.Question) *Navigation {
	n := &Navigation{
		ids:     make([]string, len(questions)),
		index:   make(map[string]int, len(questions)),
		options: make([]int, len(questions)),
		visited: map[int]struct{}{0: {}},
		marked:  make(map[int]struct{}),
		answers: make(map[string]int),
	}
	for i, q := range questions {
		n.ids[i] = q.ID
		n.index[q.ID] = i
		n.options[i] = len(q.Options)
	}
	return n
}

// Select makes index current.
func (n *Navigation) Select(index int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.selectLocked(index)
}

func (n *Navigation) selectLocked(index int) error {
	if n.frozen {
		return ErrSessionFrozen
	}
	if err := n.checkIndex(index); err != nil {
		return err
	}
	n.current = index
	n.visited[index] = struct{}{}
	return nil
}

// Next moves forward one question; it does nothing on the last one.
func (n *Navigation) Next() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.frozen {
		return ErrSessionFrozen
	}
	if n.current >= len(n.ids)-1 {
		return nil
	}
	return n.selectLocked(n.current + 1)
}

// Previous moves back one question; it does nothing on the first one.
func (n *Navigation) Previous() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.frozen {
		return ErrSessionFrozen
	}
	if n.current == 0 {
		return nil
	}
	return n.selectLocked(n.current - 1)
}

// CanGoNext reports whether Next would move.
func (n *Navigation) CanGoNext() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current < len(n.ids)-1
}

// CanGoPrevious reports whether Previous would move.
func (n *Navigation) CanGoPrevious() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current > 0
}

// ToggleMark flips the review mark on index.
func (n *Navigation) ToggleMark(index int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.frozen {
		return ErrSessionFrozen
	}
	if err := n.checkIndex(index); err != nil {
		return err
	}
	if _, ok := n.marked[index]; ok {
		delete(n.marked, index)
	} else {
		n.marked[index] = struct{}{}
	}
	return nil
}

// RecordAnswer stores the in-memory selection. The last write wins.
func (n *Navigation) RecordAnswer(questionID string, optionIndex int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.frozen {
		return ErrSessionFrozen
	}
	idx, ok := n.index[questionID]
	if !ok {
		return &ValidationError{Field: "q_id", Reason: fmt.Sprintf("unknown question %q", questionID)}
	}
	if optionIndex < 0 || optionIndex >= n.options[idx] {
		return &ValidationError{Field: "option", Reason: fmt.Sprintf("must be in [0, %d)", n.options[idx])}
	}
	n.answers[questionID] = optionIndex
	return nil
}

// Restore loads previously persisted answers, skipping entries that do not
// belong to this question set. It returns how many were skipped.
func (n *Navigation) Restore(answers map[string]int) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	skipped := 0
	for qid, opt := range answers {
		idx, ok := n.index[qid]
		if !ok || opt < 0 || opt >= n.options[idx] {
			skipped++
			continue
		}
		n.answers[qid] = opt
	}
	return skipped
}

// Freeze rejects every later edit.
func (n *Navigation) Freeze() {
	n.mu.Lock()
	n.frozen = true
	n.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (n *Navigation) Frozen() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.frozen
}

// Current returns the current index.
func (n *Navigation) Current() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

// Len returns the number of questions.
func (n *Navigation) Len() int {
	return len(n.ids)
}

// Answers returns a copy of the in-memory answers.
func (n *Navigation) Answers() map[string]int {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]int, len(n.answers))
	for k, v := range n.answers {
		out[k] = v
	}
	return out
}

// Snapshot copies the state.
func (n *Navigation) Snapshot() NavSnapshot {
	n.mu.Lock()
	defer n.mu.Unlock()

	answered := make([]int, 0, len(n.answers))
	for qid := range n.answers {
		answered = append(answered, n.index[qid])
	}
	sort.Ints(answered)

	return NavSnapshot{
		Current:       n.current,
		Visited:       sortedKeys(n.visited),
		Answered:      answered,
		Marked:        sortedKeys(n.marked),
		CanGoPrevious: n.current > 0,
		CanGoNext:     n.current < len(n.ids)-1,
	}
}

func (n *Navigation) checkIndex(index int) error {
	if index < 0 || index >= len(n.ids) {
		return &ValidationError{Field: "index", Reason: fmt.Sprintf("must be in [0, %d)", len(n.ids))}
	}
	return nil
}

func sortedKeys(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
