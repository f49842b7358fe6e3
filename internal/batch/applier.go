package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// Applier forwards staged payloads to the store. Held payloads are skipped
// unless force is set.
type Applier struct {
	target Committer
	force  bool
}

// NewApplier creates an applier. Staged payloads have historically been
// applied with force on.
func NewApplier(target Committer, force bool) *Applier {
	return &Applier{target: target, force: force}
}

// DecodePayload reads a staged payload.
func DecodePayload(r io.Reader) (CommitPayload, error) {
	var p CommitPayload
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return CommitPayload{}, fmt.Errorf("decode staged payload: %w", err)
	}
	if p.Collection == "" {
		return CommitPayload{}, fmt.Errorf("decode staged payload: missing endpoint")
	}
	return p, nil
}

// Apply reads one staged payload from r and commits it. It returns false when
// the payload was held back.
func (a *Applier) Apply(ctx context.Context, r io.Reader) (bool, error) {
	p, err := DecodePayload(r)
	if err != nil {
		return false, err
	}
	if p.Hold && !a.force {
		return false, nil
	}
	p.Hold = false
	if err := a.target.Commit(ctx, p); err != nil {
		return false, Upstream("apply "+p.Collection, err)
	}
	return true, nil
}
