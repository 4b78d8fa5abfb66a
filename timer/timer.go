// timer/timer.go
package timer

import (
	"container/heap"
	"sync"
	"time"
)

const DefaultResolution = 100 * time.Millisecond

type Task struct {
	ID       int64
	Execute  time.Time
	Callback func()
	index    int
}

type Queue []*Task

func (q Queue) Len() int { return len(q) }

func (q Queue) Less(i, j int) bool {
	return q[i].Execute.Before(q[j].Execute)
}

func (q Queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *Queue) Push(x interface{}) {
	n := len(*q)
	task := x.(*Task)
	task.index = n
	*q = append(*q, task)
}

func (q *Queue) Pop() interface{} {
	old := *q
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*q = old[0 : n-1]
	return task
}

// Manager runs one-shot callbacks after a delay. Due tasks are checked every resolution
// tick, so a callback fires at most one tick late. Callbacks run on their own goroutine.
type Manager struct {
	queue      Queue
	tasks      map[int64]*Task
	mutex      sync.Mutex
	nextID     int64
	resolution time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewManager(resolution time.Duration) *Manager {
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	m := &Manager{
		queue:      make(Queue, 0),
		tasks:      make(map[int64]*Task),
		nextID:     1,
		resolution: resolution,
		stop:       make(chan struct{}),
	}
	heap.Init(&m.queue)
	go m.process()
	return m
}

// After schedules callback and returns an id usable with Cancel.
func (m *Manager) After(delay time.Duration, callback func()) int64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	task := &Task{
		ID:       m.nextID,
		Execute:  time.Now().Add(delay),
		Callback: callback,
	}
	m.nextID++

	heap.Push(&m.queue, task)
	m.tasks[task.ID] = task
	return task.ID
}

// Cancel removes a pending task. It reports false when the task already fired or never existed.
func (m *Manager) Cancel(id int64) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return false
	}
	heap.Remove(&m.queue, task.index)
	delete(m.tasks, id)
	return true
}

// Len is the number of pending tasks.
func (m *Manager) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.queue)
}

// Stop ends the scheduler. Pending tasks never fire.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Manager) process() {
	ticker := time.NewTicker(m.resolution)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, task := range m.due(time.Now()) {
				go task.Callback()
			}
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) due(now time.Time) []*Task {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var ready []*Task
	for m.queue.Len() > 0 {
		task := m.queue[0]
		if task.Execute.After(now) {
			break
		}
		heap.Pop(&m.queue)
		delete(m.tasks, task.ID)
		ready = append(ready, task)
	}
	return ready
}
