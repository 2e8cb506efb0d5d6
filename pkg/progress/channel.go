package progress

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultEvictionDelay is how long terminal run records stay around so a
	// slow subscriber can still receive the terminal event.
	DefaultEvictionDelay = 30 * time.Second

	// DefaultBufferLimit bounds the per-run replay buffer.
	DefaultBufferLimit = 256

	subscriberSlack = 64

	genericLabel = "Processing..."
)

var ErrRunNotFound = errors.New("run not found")

// run is the channel's record of one generation run.
type run struct {
	taskID         string
	workflowName   string
	jobID          string
	currentStep    int
	totalSteps     int
	importantNodes map[string]string   // node id -> display label
	processedNodes map[string]struct{} // prevents double counting on duplicate engine events
	terminal       bool
	lastPercent    float64
	buffer         []Event
	subscribers    map[int]chan Event
	nextSubID      int
}

// Channel is the per-task registry mapping task identifiers to subscriber
// connections, buffered events and the running step counter. Lookups accept
// either the orchestrator's taskID or the engine's jobID.
type Channel struct {
	mu            sync.Mutex
	runs          map[string]*run
	taskByJob     map[string]string
	logger        *slog.Logger
	evictionDelay time.Duration
	bufferLimit   int
}

func NewChannel(logger *slog.Logger) *Channel {
	return &Channel{
		runs:          make(map[string]*run),
		taskByJob:     make(map[string]string),
		logger:        logger,
		evictionDelay: DefaultEvictionDelay,
		bufferLimit:   DefaultBufferLimit,
	}
}

// WithEvictionDelay overrides the terminal grace period. Used by tests.
func (c *Channel) WithEvictionDelay(d time.Duration) *Channel {
	c.evictionDelay = d

	return c
}

// CreateRun registers a new run record.
func (c *Channel) CreateRun(taskID, workflowName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.runs[taskID] = &run{
		taskID:         taskID,
		workflowName:   workflowName,
		importantNodes: make(map[string]string),
		processedNodes: make(map[string]struct{}),
		subscribers:    make(map[int]chan Event),
	}
}

// RunSnapshot is a read-only view of a run record.
type RunSnapshot struct {
	TaskID       string
	WorkflowName string
	JobID        string
	CurrentStep  int
	TotalSteps   int
	Terminal     bool
}

// GetRun returns a snapshot of the run, or false when it does not exist.
func (c *Channel) GetRun(taskID string) (RunSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	record, ok := c.runs[taskID]
	if !ok {
		return RunSnapshot{}, false
	}

	return RunSnapshot{
		TaskID:       record.taskID,
		WorkflowName: record.workflowName,
		JobID:        record.jobID,
		CurrentStep:  record.currentStep,
		TotalSteps:   record.totalSteps,
		Terminal:     record.terminal,
	}, true
}

// SetPlan records the structural execution plan: the step budget and the set
// of engine nodes that each contribute one step unit. Called once per run
// before any task executes.
func (c *Channel) SetPlan(taskID string, totalSteps int, importantNodes map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	record, ok := c.runs[taskID]
	if !ok {
		return
	}

	record.totalSteps = totalSteps
	for id, label := range importantNodes {
		record.importantNodes[id] = label
	}
}

// LinkJob creates the jobID to taskID reverse lookup so engine-originated
// events can be routed to the run.
func (c *Channel) LinkJob(taskID, jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	record, ok := c.runs[taskID]
	if !ok {
		return
	}

	record.jobID = jobID
	c.taskByJob[jobID] = taskID
}

// DeleteRun evicts a run record immediately and closes open subscriptions.
func (c *Channel) DeleteRun(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictLocked(taskID)
}

// AdvanceStep increments the step counter by one countable unit, clamped to
// the total, and returns the new value.
func (c *Channel) AdvanceStep(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	record := c.resolveLocked(id)
	if record == nil {
		return 0
	}

	c.advanceLocked(record)

	return record.currentStep
}

// SetStep overwrites the step counter, used for the structural recount after
// engine completion. The counter never moves backwards.
func (c *Channel) SetStep(id string, step int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	record := c.resolveLocked(id)
	if record == nil {
		return
	}

	if step > record.totalSteps && record.totalSteps > 0 {
		step = record.totalSteps
	}

	if step > record.currentStep {
		record.currentStep = step
	}
}

// EmitProgress publishes an in-progress event with an explicit percentage.
// Emitting to an unknown id is a silent no-op: the run may already be evicted.
func (c *Channel) EmitProgress(id string, percentage float64, label string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	record := c.resolveLocked(id)
	if record == nil || record.terminal {
		return
	}

	record.lastPercent = percentage
	c.deliverLocked(record, Event{
		TaskID:   record.taskID,
		Status:   StatusInProgress,
		Label:    label,
		Progress: snapshotLocked(record, percentage),
	})
}

// NodeEvent handles an engine node-level push event. Important nodes are
// counted exactly once each; the node-local percent interpolates within that
// node's unit of the step budget. Non-important nodes only refresh the label.
func (c *Channel) NodeEvent(jobID, nodeID string, nodeLocalPercent float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	record := c.resolveLocked(jobID)
	if record == nil || record.terminal {
		return
	}

	label, important := record.importantNodes[nodeID]
	if label == "" {
		label = genericLabel
	}

	if !important {
		// Label-only refresh: the counter and percentage stay where they are.
		c.deliverLocked(record, Event{
			TaskID:   record.taskID,
			Status:   StatusInProgress,
			Label:    label,
			Node:     nodeID,
			Progress: snapshotLocked(record, record.lastPercent),
		})

		return
	}

	if _, counted := record.processedNodes[nodeID]; !counted {
		record.processedNodes[nodeID] = struct{}{}
		c.advanceLocked(record)
	}

	c.deliverLocked(record, Event{
		TaskID:   record.taskID,
		Status:   StatusInProgress,
		Label:    label,
		Node:     nodeID,
		Progress: snapshotLocked(record, fractionLocked(record, nodeLocalPercent)),
	})
}

// NodesCached handles the engine reporting nodes served from cache: each
// important node still consumes its unit of the budget.
func (c *Channel) NodesCached(jobID string, nodeIDs []string) {
	for _, nodeID := range nodeIDs {
		c.NodeEvent(jobID, nodeID, 100)
	}
}

// EmitCompletion publishes the terminal success event and schedules eviction.
func (c *Channel) EmitCompletion(id string, result map[string]any) {
	c.emitTerminal(id, Event{Status: StatusCompleted, Result: result})
}

// EmitError publishes the terminal error event and schedules eviction.
func (c *Channel) EmitError(id, message, details string) {
	c.emitTerminal(id, Event{Status: StatusError, Error: message, Details: details})
}

// Subscribe attaches a subscriber to a run. Any buffered events are replayed
// in order on the returned channel before live delivery starts. The returned
// cancel function detaches the subscriber; the channel is closed by the
// channel itself when the run is evicted.
func (c *Channel) Subscribe(taskID string) (<-chan Event, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	record, ok := c.runs[taskID]
	if !ok {
		return nil, nil, ErrRunNotFound
	}

	stream := make(chan Event, len(record.buffer)+subscriberSlack)
	for _, event := range record.buffer {
		stream <- event
	}

	record.buffer = nil

	subID := record.nextSubID
	record.nextSubID++
	record.subscribers[subID] = stream

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		current, stillThere := c.runs[taskID]
		if !stillThere {
			return
		}

		if _, attached := current.subscribers[subID]; attached {
			delete(current.subscribers, subID)
			close(stream)
		}
	}

	return stream, cancel, nil
}

func (c *Channel) emitTerminal(id string, event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	record := c.resolveLocked(id)
	if record == nil || record.terminal {
		return
	}

	record.terminal = true
	event.TaskID = record.taskID
	event.Progress = snapshotLocked(record, 100)
	c.deliverLocked(record, event)

	taskID := record.taskID

	time.AfterFunc(c.evictionDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		c.evictLocked(taskID)
	})
}

// resolveLocked accepts either a taskID or an engine jobID.
func (c *Channel) resolveLocked(id string) *run {
	if record, ok := c.runs[id]; ok {
		return record
	}

	if taskID, ok := c.taskByJob[id]; ok {
		return c.runs[taskID]
	}

	return nil
}

func (c *Channel) advanceLocked(record *run) {
	if record.totalSteps > 0 && record.currentStep >= record.totalSteps {
		return
	}

	record.currentStep++
}

// fractionLocked computes the overall percentage: each counted step is one
// full unit of the budget and the node-local percent interpolates linearly
// within the current unit.
func fractionLocked(record *run, nodeLocalPercent float64) float64 {
	if record.totalSteps == 0 {
		return 0
	}

	step := record.currentStep
	if step < 1 {
		step = 1
	}

	unit := 100.0 / float64(record.totalSteps)
	percentage := float64(step-1)*unit + unit*nodeLocalPercent/100

	if percentage > 100 {
		percentage = 100
	}

	if percentage < 0 {
		percentage = 0
	}

	record.lastPercent = percentage

	return percentage
}

func snapshotLocked(record *run, percentage float64) *Snapshot {
	return &Snapshot{
		Percentage:   percentage,
		CurrentStep:  record.currentStep,
		CurrentValue: record.currentStep,
		MaxValue:     record.totalSteps,
	}
}

// deliverLocked fans an event out to subscribers, or buffers it when nobody
// is attached yet so a late subscriber still sees the full stream.
func (c *Channel) deliverLocked(record *run, event Event) {
	if len(record.subscribers) == 0 {
		if len(record.buffer) >= c.bufferLimit {
			record.buffer = record.buffer[1:]
		}

		record.buffer = append(record.buffer, event)

		return
	}

	for subID, stream := range record.subscribers {
		select {
		case stream <- event:
		default:
			c.logger.Warn("Dropping progress event for slow subscriber",
				"task_id", record.taskID, "subscriber", subID)
		}
	}
}

func (c *Channel) evictLocked(taskID string) {
	record, ok := c.runs[taskID]
	if !ok {
		return
	}

	for _, stream := range record.subscribers {
		close(stream)
	}

	if record.jobID != "" {
		delete(c.taskByJob, record.jobID)
	}

	delete(c.runs, taskID)
}
