package harness

import (
	"context"
	"fmt"
	"slices"
)

// Stack tracks outstanding snapshots so they are restored innermost first.
// A Stack belongs to one logical thread of test execution.
type Stack struct {
	h   *Harness
	ids []SnapshotID
}

// NewStack returns an empty stack bound to h.
func (h *Harness) NewStack() *Stack {
	return &Stack{h: h}
}

// Push takes a snapshot and records it as the innermost handle.
func (s *Stack) Push(ctx context.Context) (SnapshotID, error) {
	id, err := s.h.TakeSnapshot(ctx)
	if err != nil {
		return "", err
	}
	s.ids = append(s.ids, id)
	s.depthChanged()
	return id, nil
}

// Pop restores id, which must be the innermost outstanding handle. Any other
// handle is rejected without contacting the node.
func (s *Stack) Pop(ctx context.Context, id SnapshotID) error {
	idx := slices.Index(s.ids, id)
	switch {
	case idx < 0:
		return fmt.Errorf("%w: %s is not outstanding", ErrSnapshotNotFound, id)
	case idx != len(s.ids)-1:
		return fmt.Errorf("%w: %s has %d snapshots above it", ErrOutOfOrder, id, len(s.ids)-1-idx)
	}
	return s.restoreAt(ctx, idx)
}

// Unwind restores id and discards every handle above it. The node invalidates
// those handles itself when an outer snapshot is restored.
func (s *Stack) Unwind(ctx context.Context, id SnapshotID) error {
	idx := slices.Index(s.ids, id)
	if idx < 0 {
		return fmt.Errorf("%w: %s is not outstanding", ErrSnapshotNotFound, id)
	}
	return s.restoreAt(ctx, idx)
}

// UnwindAll restores the outermost handle, leaving the stack empty.
func (s *Stack) UnwindAll(ctx context.Context) error {
	if len(s.ids) == 0 {
		return nil
	}
	return s.restoreAt(ctx, 0)
}

// Depth is the number of outstanding handles.
func (s *Stack) Depth() int {
	return len(s.ids)
}

// IDs returns the outstanding handles, outermost first.
func (s *Stack) IDs() []SnapshotID {
	return slices.Clone(s.ids)
}

// restoreAt restores s.ids[idx]. The handles are dropped whatever the outcome:
// a failed restore leaves them in an unknown state on the node.
func (s *Stack) restoreAt(ctx context.Context, idx int) error {
	id := s.ids[idx]
	s.ids = s.ids[:idx]
	s.depthChanged()
	return s.h.RestoreSnapshot(ctx, id)
}

func (s *Stack) depthChanged() {
	if s.h.metrics != nil {
		s.h.metrics.SetSnapshotDepth(len(s.ids))
	}
}
