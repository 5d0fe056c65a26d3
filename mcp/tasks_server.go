// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	internaljson "github.com/mcpwire/mcpwire/internal/json"
	"github.com/mcpwire/mcpwire/internal/jsonrpc2"
	"github.com/mcpwire/mcpwire/jsonrpc"
)

// DefaultTaskPollInterval is the polling hint returned in task records when
// [ServerOptions.TaskPollInterval] is zero.
const DefaultTaskPollInterval = time.Second

// maxTaskQueueMessages bounds each task's side-channel queue.
const maxTaskQueueMessages = 32

const (
	taskWorkingMessage   = "The operation is now in progress."
	taskInputMessage     = "Waiting for input."
	taskCancelledMessage = "The task was cancelled by request."
)

// serverTasks runs task-augmented tool calls. Records live in the
// [TaskStore] and queued side-channel messages in the [TaskMessageQueue], so
// any server instance can answer tasks/get and tasks/list; the handler
// goroutine and its response resolvers are local to the instance that
// accepted the tools/call.
type serverTasks struct {
	server *Server
	store  TaskStore
	queue  TaskMessageQueue

	mu      sync.Mutex
	running map[string]*taskRun // keyed by task ID
}

// A taskRun is the in-process state of a running task.
type taskRun struct {
	cancel context.CancelFunc
	done   chan struct{} // closed when the handler returns
	notify chan struct{} // 1-buffered; signals a queued message

	mu        sync.Mutex
	resolvers map[string]chan taskResponse // keyed by TaskMessage.OriginID
}

type taskResponse struct {
	result json.RawMessage
	err    error
}

func (r *taskRun) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func newServerTasks(s *Server) *serverTasks {
	st := &serverTasks{server: s, running: make(map[string]*taskRun)}
	st.store = s.opts.TaskStore
	if st.store == nil {
		st.store = NewMemoryTaskStore()
	}
	st.queue = s.opts.TaskMessageQueue
	if st.queue == nil {
		st.queue = NewMemoryTaskQueue()
	}
	return st
}

func (s *Server) tasksEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasksConfigured()
}

func (s *Server) taskPollIntervalMillis() int64 {
	if s.opts.TaskPollInterval > 0 {
		return s.opts.TaskPollInterval.Milliseconds()
	}
	return DefaultTaskPollInterval.Milliseconds()
}

// callToolAny dispatches tools/call, branching on task augmentation.
func (s *Server) callToolAny(ctx context.Context, req *CallToolRequest) (Result, error) {
	s.mu.Lock()
	st, ok := s.tools.get(req.Params.Name)
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown tool %q", jsonrpc2.ErrInvalidParams, req.Params.Name)
	}

	taskSupport := "forbidden"
	if e := st.tool.Execution; e != nil && e.TaskSupport != "" {
		taskSupport = e.TaskSupport
	}

	// Without advertised task support, ignore augmentation and call directly.
	if !s.tasksEnabled() {
		return s.callToolNow(ctx, req, st)
	}

	if req.Params.Task == nil {
		switch taskSupport {
		case "required":
			return nil, fmt.Errorf("%w: task augmentation required for tool %q", jsonrpc2.ErrInvalidRequest, req.Params.Name)
		case "optional":
			// The tool is task-capable, so the call still runs as a task and
			// the engine polls on the caller's behalf.
			return s.callToolPolled(ctx, req, st)
		}
		return s.callToolNow(ctx, req, st)
	}

	switch taskSupport {
	case "optional", "required":
	case "forbidden":
		return nil, fmt.Errorf("%w: tool %q does not support task execution", jsonrpc2.ErrInvalidRequest, req.Params.Name)
	default:
		return nil, fmt.Errorf("%w: invalid execution.taskSupport %q", jsonrpc2.ErrInvalidParams, taskSupport)
	}

	rec, run, err := s.tasks.create(ctx, req)
	if err != nil {
		return nil, err
	}

	// The task outlives the initiating request.
	taskCtx, cancel := context.WithCancel(context.Background())
	run.cancel = cancel
	taskCtx = context.WithValue(taskCtx, taskHandleKey{}, &taskHandle{
		tasks:   s.tasks,
		session: req.Session,
		run:     run,
		taskID:  rec.Task.TaskID,
	})
	go func() {
		defer cancel()
		res, runErr := s.runToolTask(taskCtx, req.Session, rec, st)
		s.tasks.finish(req.Session, run, rec.Task.TaskID, res, runErr)
	}()

	t := rec.Task
	return &CreateTaskResult{Task: &t}, nil
}

// callToolPolled serves a plain call to a task-capable tool: the call gets a
// durable task record and status notifications like an augmented call, but
// the engine polls the store itself and answers synchronously.
func (s *Server) callToolPolled(ctx context.Context, req *CallToolRequest, st *serverTool) (*CallToolResult, error) {
	rec, run, err := s.tasks.create(ctx, req)
	if err != nil {
		return nil, err
	}
	taskCtx, cancel := context.WithCancel(context.Background())
	run.cancel = cancel
	// No task handle rides the context: with no tasks/result caller to pump
	// the side channel, elicitation and sampling go straight to the client.
	go func() {
		defer cancel()
		res, runErr := s.runToolTask(taskCtx, req.Session, rec, st)
		s.tasks.finish(req.Session, run, rec.Task.TaskID, res, runErr)
	}()

	taskID := rec.Task.TaskID
	interval := time.Duration(s.taskPollIntervalMillis()) * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-run.done:
		case <-time.After(interval):
		}
		if rec, err = s.tasks.lookup(ctx, req.Session, taskID); err != nil {
			return nil, err
		}
		if rec.Task.Status.Terminal() {
			break
		}
	}
	return taskOutcome(rec)
}

// callToolNow runs the tool synchronously, stripping any task augmentation.
func (s *Server) callToolNow(ctx context.Context, req *CallToolRequest, st *serverTool) (*CallToolResult, error) {
	params := *req.Params
	params.Task = nil
	localReq := *req
	localReq.Params = &params

	res, err := st.handler(ctx, &localReq)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errors.New("tool handler returned nil result")
	}
	if res.Content == nil {
		res2 := *res
		res2.Content = []Content{} // avoid "null"
		res = &res2
	}
	return res, nil
}

func (s *Server) runToolTask(ctx context.Context, session *ServerSession, rec *TaskRecord, st *serverTool) (*CallToolResult, error) {
	params := &CallToolParamsRaw{
		Name:      rec.ToolName,
		Arguments: append([]byte(nil), rec.Arguments...),
	}
	params.Meta = rec.Meta
	res, err := st.handler(ctx, &CallToolRequest{Session: session, Params: params})
	if err == nil && res == nil {
		res = &CallToolResult{Content: []Content{}}
	}
	if err == nil && res.Content == nil {
		res2 := *res
		res2.Content = []Content{}
		res = &res2
	}
	return res, err
}

// create persists a new working task record and registers its local run.
func (st *serverTasks) create(ctx context.Context, req *CallToolRequest) (*TaskRecord, *taskRun, error) {
	now := time.Now().UTC()
	created := now.Format(time.RFC3339)

	var ttl *int64
	var expiresAt *time.Time
	if tp := req.Params.Task; tp != nil && tp.TTL != nil {
		v := *tp.TTL
		ttl = &v
		exp := now.Add(time.Duration(v) * time.Millisecond)
		expiresAt = &exp
	}

	var meta Meta
	if m := req.Params.Meta; m != nil {
		meta = make(Meta, len(m))
		for k, v := range m {
			meta[k] = v
		}
	}

	rec := &TaskRecord{
		Task: Task{
			TaskID:        randText(),
			Status:        TaskStatusWorking,
			StatusMessage: taskWorkingMessage,
			CreatedAt:     created,
			LastUpdatedAt: created,
			TTL:           ttl,
			PollInterval:  st.server.taskPollIntervalMillis(),
		},
		SessionID: req.Session.ID(),
		ToolName:  req.Params.Name,
		Arguments: append([]byte(nil), req.Params.Arguments...),
		Meta:      meta,
		ExpiresAt: expiresAt,
	}
	if err := st.store.Put(ctx, rec.SessionID, rec); err != nil {
		return nil, nil, fmt.Errorf("%w: persisting task: %v", jsonrpc2.ErrInternal, err)
	}

	run := &taskRun{
		done:      make(chan struct{}),
		notify:    make(chan struct{}, 1),
		resolvers: make(map[string]chan taskResponse),
	}
	st.mu.Lock()
	st.running[rec.Task.TaskID] = run
	st.mu.Unlock()
	return rec, run, nil
}

// finish records the task's outcome and releases its run.
func (st *serverTasks) finish(session *ServerSession, run *taskRun, taskID string, res *CallToolResult, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := st.store.Get(ctx, session.ID(), taskID)
	if err == nil && !rec.Task.Status.Terminal() {
		now := time.Now().UTC().Format(time.RFC3339)
		rec.Task.LastUpdatedAt = now
		switch {
		case runErr != nil:
			rec.Task.Status = TaskStatusFailed
			rec.Task.StatusMessage = runErr.Error()
			rec.Error = runErr.Error()
		case res.IsError:
			rec.Task.Status = TaskStatusFailed
			rec.Task.StatusMessage = "tool execution failed"
		default:
			rec.Task.Status = TaskStatusCompleted
			rec.Task.StatusMessage = ""
		}
		if res != nil {
			if data, err := json.Marshal(res); err == nil {
				rec.Result = data
			}
		}
		if err := st.store.Put(ctx, rec.SessionID, rec); err != nil {
			st.server.logger.Warn("persisting task outcome failed",
				zap.String("taskID", taskID), zap.Error(err))
		}
		notifyTaskStatus(session, rec.Task)
	}

	st.rejectPending(session, taskID, run, errors.New("task finished"))

	st.mu.Lock()
	delete(st.running, taskID)
	st.mu.Unlock()
	close(run.done)
}

// rejectPending drains the task's queue and fails all waiting resolvers.
func (st *serverTasks) rejectPending(session *ServerSession, taskID string, run *taskRun, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msgs, err := st.queue.Drain(ctx, session.ID(), taskID)
	if err != nil {
		st.server.logger.Warn("draining task queue failed",
			zap.String("taskID", taskID), zap.Error(err))
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	for _, m := range msgs {
		if ch, ok := run.resolvers[m.OriginID]; ok {
			ch <- taskResponse{err: cause}
			delete(run.resolvers, m.OriginID)
		}
	}
	// Messages already delivered to the client but unanswered.
	for id, ch := range run.resolvers {
		select {
		case ch <- taskResponse{err: cause}:
		default:
		}
		delete(run.resolvers, id)
	}
}

// setStatus transitions a non-terminal task and notifies the client.
func (st *serverTasks) setStatus(session *ServerSession, taskID string, status TaskStatus, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, err := st.store.Get(ctx, session.ID(), taskID)
	if err != nil || rec.Task.Status.Terminal() || rec.Task.Status == status {
		return
	}
	rec.Task.Status = status
	rec.Task.StatusMessage = message
	rec.Task.LastUpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := st.store.Put(ctx, rec.SessionID, rec); err != nil {
		st.server.logger.Warn("persisting task status failed",
			zap.String("taskID", taskID), zap.Error(err))
		return
	}
	notifyTaskStatus(session, rec.Task)
}

// notifyTaskStatus sends notifications/tasks/status, best effort.
func notifyTaskStatus(session *ServerSession, t Task) {
	p := TaskStatusNotificationParams(t)
	_ = handleNotify(context.Background(), notificationTaskStatus, newServerRequest(session, &p))
}

// lookup fetches a record, mapping store errors to protocol errors.
func (st *serverTasks) lookup(ctx context.Context, session *ServerSession, taskID string) (*TaskRecord, error) {
	rec, err := st.store.Get(ctx, session.ID(), taskID)
	if errors.Is(err, ErrTaskNotFound) {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "Failed to retrieve task: Task not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading task: %v", jsonrpc2.ErrInternal, err)
	}
	return rec, nil
}

func (s *Server) getTask(ctx context.Context, req *GetTaskRequest) (*GetTaskResult, error) {
	if !s.tasksEnabled() {
		return nil, jsonrpc2.ErrMethodNotFound
	}
	rec, err := s.tasks.lookup(ctx, req.Session, req.Params.TaskID)
	if err != nil {
		return nil, err
	}
	return &GetTaskResult{Task: rec.Task}, nil
}

func (s *Server) listTasks(ctx context.Context, req *ListTasksRequest) (*ListTasksResult, error) {
	if !s.tasksEnabled() {
		return nil, jsonrpc2.ErrMethodNotFound
	}
	var cursor string
	if req.Params != nil {
		cursor = req.Params.Cursor
	}
	recs, next, err := s.tasks.store.List(ctx, req.Session.ID(), cursor, s.opts.PageSize)
	if err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "Invalid cursor"}
	}
	res := &ListTasksResult{Tasks: []*Task{}, NextCursor: next}
	for _, rec := range recs {
		t := rec.Task
		res.Tasks = append(res.Tasks, &t)
	}
	return res, nil
}

func (s *Server) cancelTask(ctx context.Context, req *CancelTaskRequest) (*CancelTaskResult, error) {
	if !s.tasksEnabled() {
		return nil, jsonrpc2.ErrMethodNotFound
	}
	rec, err := s.tasks.lookup(ctx, req.Session, req.Params.TaskID)
	if err != nil {
		return nil, err
	}
	if rec.Task.Status.Terminal() {
		return nil, &jsonrpc.Error{
			Code:    jsonrpc.CodeInvalidParams,
			Message: fmt.Sprintf("Cannot cancel task: already in terminal status %q", rec.Task.Status),
		}
	}
	rec.Task.Status = TaskStatusCancelled
	rec.Task.StatusMessage = taskCancelledMessage
	rec.Task.LastUpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := s.tasks.store.Put(ctx, rec.SessionID, rec); err != nil {
		return nil, fmt.Errorf("%w: persisting task: %v", jsonrpc2.ErrInternal, err)
	}

	s.tasks.mu.Lock()
	run := s.tasks.running[rec.Task.TaskID]
	s.tasks.mu.Unlock()
	if run != nil {
		if run.cancel != nil {
			run.cancel()
		}
		s.tasks.rejectPending(req.Session, rec.Task.TaskID, run, errors.New("task cancelled"))
	}

	notifyTaskStatus(req.Session, rec.Task)
	return &CancelTaskResult{Task: rec.Task}, nil
}

// taskResult serves tasks/result: it blocks until the task reaches a
// terminal status, delivering any queued side-channel messages to the caller
// along the way, and then returns the task's result with the related-task
// metadata attached.
func (s *Server) taskResult(ctx context.Context, req *TaskResultRequest) (*CallToolResult, error) {
	if !s.tasksEnabled() {
		return nil, jsonrpc2.ErrMethodNotFound
	}
	rec, err := s.tasks.lookup(ctx, req.Session, req.Params.TaskID)
	if err != nil {
		return nil, err
	}
	taskID := rec.Task.TaskID

	s.tasks.mu.Lock()
	run := s.tasks.running[taskID]
	s.tasks.mu.Unlock()

	if run != nil {
	wait:
		for {
			if err := s.tasks.deliverQueued(ctx, req.Session, taskID, run); err != nil {
				return nil, err
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-run.done:
				break wait
			case <-run.notify:
			}
		}
	} else {
		// The task is running on another instance, or already terminal:
		// poll the store.
		interval := DefaultTaskPollInterval
		if rec.Task.PollInterval > 0 {
			interval = time.Duration(rec.Task.PollInterval) * time.Millisecond
		}
		for !rec.Task.Status.Terminal() {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(interval):
			}
			if rec, err = s.tasks.lookup(ctx, req.Session, taskID); err != nil {
				return nil, err
			}
		}
	}

	if rec, err = s.tasks.lookup(ctx, req.Session, taskID); err != nil {
		return nil, err
	}
	return taskOutcome(rec)
}

// taskOutcome converts a terminal task record into the tool-call result,
// stamping the related-task metadata.
func taskOutcome(rec *TaskRecord) (*CallToolResult, error) {
	if rec.Error != "" {
		return nil, errors.New(rec.Error)
	}
	res := &CallToolResult{}
	if rec.Result != nil {
		if err := json.Unmarshal(rec.Result, res); err != nil {
			return nil, fmt.Errorf("%w: decoding task result: %v", jsonrpc2.ErrInternal, err)
		}
	}
	if res.Content == nil {
		res.Content = []Content{}
	}
	m := res.GetMeta()
	if m == nil {
		m = Meta{}
		res.setMeta(m)
	}
	m[relatedTaskMetaKey] = map[string]any{"taskId": rec.Task.TaskID}
	return res, nil
}

// deliverQueued sends each queued side-channel message to the client over
// the caller's stream and hands the answer to the waiting resolver.
func (st *serverTasks) deliverQueued(ctx context.Context, session *ServerSession, taskID string, run *taskRun) error {
	for {
		msg, err := st.queue.Dequeue(ctx, session.ID(), taskID)
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}
		var raw json.RawMessage
		callErr := session.getConn().call(ctx, msg.Method, rawParams(msg.Params), &raw)
		if callErr != nil && ctx.Err() != nil {
			// The caller went away before the client answered; leave the
			// message for the next tasks/result call.
			_ = st.queue.Enqueue(context.WithoutCancel(ctx), session.ID(), taskID, msg, 0)
			return ctx.Err()
		}
		run.mu.Lock()
		ch := run.resolvers[msg.OriginID]
		run.mu.Unlock()
		if ch != nil {
			ch <- taskResponse{result: raw, err: callErr}
		}
	}
}

// The task handle rides the tool handler's context, so that session methods
// can detect task execution and reroute through the side channel.

type taskHandleKey struct{}

type taskHandle struct {
	tasks   *serverTasks
	session *ServerSession
	run     *taskRun
	taskID  string
}

func taskFromContext(ctx context.Context) *taskHandle {
	h, _ := ctx.Value(taskHandleKey{}).(*taskHandle)
	return h
}

// taskCall queues a request on the task's side channel and blocks until the
// client answers it through tasks/result. While the question is outstanding
// the task reports input_required.
func taskCall[R Result](ctx context.Context, h *taskHandle, method string, params Params) (R, error) {
	var zero R
	data, err := json.Marshal(params)
	if err != nil {
		return zero, err
	}

	originID := randText()
	ch := make(chan taskResponse, 1)
	h.run.mu.Lock()
	h.run.resolvers[originID] = ch
	h.run.mu.Unlock()

	h.tasks.setStatus(h.session, h.taskID, TaskStatusInputRequired, taskInputMessage)

	msg := &TaskMessage{
		Method:     method,
		Params:     data,
		OriginID:   originID,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := h.tasks.queue.Enqueue(ctx, h.session.ID(), h.taskID, msg, maxTaskQueueMessages); err != nil {
		h.removeResolver(originID)
		return zero, err
	}
	h.run.signal()

	select {
	case <-ctx.Done():
		h.removeResolver(originID)
		return zero, ctx.Err()
	case resp := <-ch:
		h.removeResolver(originID)
		if resp.err != nil {
			return zero, resp.err
		}
		res := newResultFor[R]()()
		if err := internaljson.Unmarshal(resp.result, res); err != nil {
			return zero, fmt.Errorf("unmarshaling %q response: %w", method, err)
		}
		return res.(R), nil
	}
}

func (h *taskHandle) removeResolver(originID string) {
	h.run.mu.Lock()
	delete(h.run.resolvers, originID)
	outstanding := len(h.run.resolvers)
	h.run.mu.Unlock()
	if outstanding == 0 {
		h.tasks.setStatus(h.session, h.taskID, TaskStatusWorking, taskWorkingMessage)
	}
}
