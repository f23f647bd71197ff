package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/pgoc/adsbot/internal/rows"
)

var ErrSnapshotDisabled = errors.New("snapshots need a history database and a snapshot key")

type snapshotDoc struct {
	Operation string       `json:"operation"`
	Scope     string       `json:"scope"`
	Columns   []string     `json:"columns"`
	Rows      []rows.Row   `json:"rows"`
	Log       []rows.Entry `json:"log"`
}

func (e *Engine) snapshotKey() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.op.ScopeKey(e.opts.UserID, e.scope)
}

// Snapshot seals the rows and display log into the history database.
// Credentials are never written; they are re-resolved on Restore.
func (e *Engine) Snapshot() error {
	if e.history == nil || e.sealer == nil {
		return ErrSnapshotDisabled
	}
	key := e.snapshotKey()
	doc := snapshotDoc{
		Operation: e.op.ID,
		Scope:     key,
		Columns:   e.store.Columns(),
		Rows:      e.store.Rows(),
		Log:       e.log.Entries(),
	}
	plain, err := sonic.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	sealed, err := e.sealer.Seal(plain, []byte(e.op.ID+"|"+key))
	if err != nil {
		return fmt.Errorf("failed to seal snapshot: %w", err)
	}
	if err := e.history.SaveSnapshot(e.op.ID, key, sealed); err != nil {
		return err
	}
	e.logger.Debug().Int("rows", len(doc.Rows)).Str("scope", key).Msg("snapshot saved")
	return nil
}

// Restore loads the last snapshot, if any, and reports whether one was
// found. Rows whose alias no longer resolves come back unresolved.
func (e *Engine) Restore(ctx context.Context) (bool, error) {
	if e.history == nil || e.sealer == nil {
		return false, ErrSnapshotDisabled
	}
	key := e.snapshotKey()
	sealed, err := e.history.LoadSnapshot(e.op.ID, key)
	if err != nil {
		return false, err
	}
	if sealed == nil {
		return false, nil
	}
	plain, err := e.sealer.Open(sealed, []byte(e.op.ID+"|"+key))
	if err != nil {
		return false, err
	}

	var doc snapshotDoc
	if err := sonic.Unmarshal(plain, &doc); err != nil {
		return false, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if !e.resolver.Loaded() {
		if err := e.resolver.Load(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("restoring snapshot without credentials")
		}
	}
	for i := range doc.Rows {
		r := &doc.Rows[i]
		if secret, ok := e.resolver.Resolve(r.CredentialAlias); ok {
			r.Credential = secret
			r.Unresolved = false
		} else {
			r.Unresolved = true
		}
	}
	e.store.Load(doc.Columns, doc.Rows)
	e.log.Restore(doc.Log)
	e.logger.Info().Int("rows", len(doc.Rows)).Str("scope", key).Msg("snapshot restored")
	return true, nil
}
