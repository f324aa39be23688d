package server

import (
	"sync"

	contractx "github.com/conciergehq/concierge/agent/contract"
)

// TaskRecord is the externally queryable state of one submitted task.
type TaskRecord struct {
	TaskID string               `json:"task_id"`
	Status contractx.RunStatus  `json:"status"`
	Result *contractx.RunResult `json:"result,omitempty"`
}

// TaskRegistry tracks accepted tasks and their outcomes in memory.
type TaskRegistry struct {
	mu    sync.RWMutex
	tasks map[string]TaskRecord
}

func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]TaskRecord)}
}

func (r *TaskRegistry) Start(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[taskID] = TaskRecord{TaskID: taskID, Status: contractx.RunRunning}
}

func (r *TaskRegistry) Complete(taskID string, result contractx.RunResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[taskID] = TaskRecord{TaskID: taskID, Status: result.Status, Result: &result}
}

func (r *TaskRegistry) Get(taskID string) (TaskRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.tasks[taskID]
	return record, ok
}
