package controller

import "sync"

// stepKind names what the controller expects from a user's next freeform
// message.
type stepKind int

const (
	stepNone stepKind = iota
	stepAwaitToken
	stepAwaitStartText
	stepAwaitFirstReply
)

// step is one pending prompt: the kind plus the credential it targets
// (empty for token capture, which creates one).
type step struct {
	kind  stepKind
	token string
}

// stepTable tracks at most one pending step per user. Setting a new step
// overwrites any previous one, and Take consumes the step regardless of
// what the handler does with the text afterwards.
type stepTable struct {
	mu     sync.Mutex
	byUser map[int64]step
}

func newStepTable() *stepTable {
	return &stepTable{byUser: make(map[int64]step)}
}

func (t *stepTable) Set(userID int64, s step) {
	t.mu.Lock()
	t.byUser[userID] = s
	t.mu.Unlock()
}

func (t *stepTable) Take(userID int64) (step, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byUser[userID]
	if ok {
		delete(t.byUser, userID)
	}
	return s, ok
}
