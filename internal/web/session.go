package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pgoc/adsbot/internal/engine"
	"github.com/pgoc/adsbot/internal/notify"
	"github.com/pgoc/adsbot/internal/operation"
)

const workspaceCookie = "adsbot_workspace"

// EngineBuilder creates the engine of one operation inside a workspace.
type EngineBuilder func(ctx context.Context, op operation.Operation, notifier notify.Notifier) (*engine.Engine, error)

// WorkspaceStore manages operator workspaces. The cookie carries only an
// opaque ID; rows and credentials stay on the server.
type WorkspaceStore struct {
	workspaces map[string]*Workspace
	mu         sync.RWMutex
	ttl        time.Duration
	onExpire   func(*Workspace)

	stop     chan struct{}
	stopOnce sync.Once
}

// Workspace holds one engine per operation the operator has opened.
type Workspace struct {
	ID        string
	CreatedAt time.Time
	ExpiresAt time.Time

	mu      sync.Mutex
	engines map[string]*engine.Engine
	boards  map[string]*noticeBoard
}

// NewWorkspaceStore starts the expiry loop. onExpire runs for every
// workspace that is deleted or times out; it may be nil.
func NewWorkspaceStore(ttl time.Duration, onExpire func(*Workspace)) *WorkspaceStore {
	store := &WorkspaceStore{
		workspaces: make(map[string]*Workspace),
		ttl:        ttl,
		onExpire:   onExpire,
		stop:       make(chan struct{}),
	}
	go store.cleanupLoop()
	return store
}

func generateWorkspaceID() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func (s *WorkspaceStore) Create() (*Workspace, error) {
	id, err := generateWorkspaceID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ws := &Workspace{
		ID:        id,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
		engines:   make(map[string]*engine.Engine),
		boards:    make(map[string]*noticeBoard),
	}

	s.mu.Lock()
	s.workspaces[id] = ws
	s.mu.Unlock()
	return ws, nil
}

// Get returns a live workspace and extends its expiry, or nil.
func (s *WorkspaceStore) Get(id string) *Workspace {
	if id == "" {
		return nil
	}

	s.mu.Lock()
	ws, exists := s.workspaces[id]
	if exists && time.Now().After(ws.ExpiresAt) {
		delete(s.workspaces, id)
		s.mu.Unlock()
		s.expire(ws)
		return nil
	}
	if exists {
		ws.ExpiresAt = time.Now().Add(s.ttl)
	}
	s.mu.Unlock()
	return ws
}

func (s *WorkspaceStore) Delete(id string) {
	s.mu.Lock()
	ws, exists := s.workspaces[id]
	delete(s.workspaces, id)
	s.mu.Unlock()
	if exists {
		s.expire(ws)
	}
}

func (s *WorkspaceStore) expire(ws *Workspace) {
	if s.onExpire != nil {
		s.onExpire(ws)
	}
}

func (s *WorkspaceStore) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *WorkspaceStore) cleanup() {
	now := time.Now()
	var expired []*Workspace

	s.mu.Lock()
	for id, ws := range s.workspaces {
		if now.After(ws.ExpiresAt) {
			delete(s.workspaces, id)
			expired = append(expired, ws)
		}
	}
	s.mu.Unlock()

	for _, ws := range expired {
		s.expire(ws)
	}
}

// Close stops the expiry loop and expires every workspace.
func (s *WorkspaceStore) Close() {
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	all := make([]*Workspace, 0, len(s.workspaces))
	for id, ws := range s.workspaces {
		all = append(all, ws)
		delete(s.workspaces, id)
	}
	s.mu.Unlock()

	for _, ws := range all {
		s.expire(ws)
	}
}

func (s *WorkspaceStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workspaces)
}

// Engine returns the engine for op, building it on first use.
func (ws *Workspace) Engine(ctx context.Context, op operation.Operation, build EngineBuilder) (*engine.Engine, *noticeBoard, error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if e, ok := ws.engines[op.ID]; ok {
		return e, ws.boards[op.ID], nil
	}
	board := newNoticeBoard()
	e, err := build(ctx, op, board)
	if err != nil {
		return nil, nil, err
	}
	ws.engines[op.ID] = e
	ws.boards[op.ID] = board
	return e, board, nil
}

// Engines returns the engines opened so far.
func (ws *Workspace) Engines() []*engine.Engine {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]*engine.Engine, 0, len(ws.engines))
	for _, e := range ws.engines {
		out = append(out, e)
	}
	return out
}

// Close closes every engine, releasing their subscriptions.
func (ws *Workspace) Close() {
	for _, e := range ws.Engines() {
		e.Close()
	}
}
