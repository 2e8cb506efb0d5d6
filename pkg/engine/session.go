package engine

import "sync"

// SessionState tracks which workflow template and LLM model the backend last
// loaded, so memory-free and model-unload calls only happen on an actual
// switch. Single writer: the orchestrator goroutine driving a run.
type SessionState struct {
	mu           sync.Mutex
	lastWorkflow string
	lastModel    string
}

func NewSessionState() *SessionState {
	return &SessionState{}
}

// SwitchWorkflow records the workflow about to execute and reports whether it
// differs from the previous one.
func (s *SessionState) SwitchWorkflow(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := s.lastWorkflow != "" && s.lastWorkflow != name
	s.lastWorkflow = name

	return changed
}

// SwitchModel records the LLM model about to be used and returns the
// previously loaded model when this is an actual switch, so the caller can
// unload it.
func (s *SessionState) SwitchModel(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.lastModel
	s.lastModel = name

	return previous, previous != "" && previous != name
}

// LastWorkflow returns the most recently executed workflow name.
func (s *SessionState) LastWorkflow() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastWorkflow
}
