package index

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"drift/internal/errors"
)

// Remote is the slice of the remote store the index manager needs.
// Implementations live in internal/remote.
type Remote interface {
	ReadBaseIndex(ctx context.Context) (*BaseIndex, error)
	ReadDeltaIndex(ctx context.Context) (*DeltaIndex, error)

	// AppendDelta atomically appends cs to the delta index, conditioned
	// on the remote's newest sequence still being expectLast. A lost
	// race returns a Conflict error.
	AppendDelta(ctx context.Context, cs ChangeSet, expectLast uint64) error

	// ReplaceBase atomically installs a new base index and clears the
	// delta index.
	ReplaceBase(ctx context.Context, base *BaseIndex) error
}

// Manager owns reads and writes of the two remote index files. It is a
// single-writer client: the optimistic sequence check on publish is the
// only concurrency control, so a lost race means the caller has to
// refresh and re-diff, never blindly retry stale actions.
type Manager struct {
	remote Remote
	logger *zap.Logger

	base  *BaseIndex
	delta *DeltaIndex
}

func NewManager(remote Remote, logger *zap.Logger) *Manager {
	return &Manager{remote: remote, logger: logger}
}

// Refresh re-reads both index files and rebuilds the snapshot they
// describe. The rebuilt snapshot carries the sequence number every
// later Publish is conditioned on.
func (m *Manager) Refresh(ctx context.Context) (*Snapshot, error) {
	base, err := m.remote.ReadBaseIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading base index: %w", err)
	}
	delta, err := m.remote.ReadDeltaIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading delta index: %w", err)
	}

	snap, err := Build(base, delta)
	if err != nil {
		return nil, fmt.Errorf("replaying indexes: %w", err)
	}

	m.base = base
	m.delta = delta

	m.logger.Debug("refreshed remote indexes",
		zap.Uint64("sequence", snap.Sequence),
		zap.Int("base_actions", len(base.InitialActions)),
		zap.Int("delta_changesets", len(delta.Changes)))

	return snap, nil
}

// LastSequence is the newest sequence seen at the last Refresh.
func (m *Manager) LastSequence() uint64 {
	if m.base == nil {
		return 0
	}
	return LastSequence(m.base, m.delta)
}

// Publish appends a new changeset carrying actions at the next sequence
// number and returns that number. It fails with a Conflict error when a
// concurrent writer advanced the sequence since the last Refresh; the
// caller must Refresh and recompute its diff before trying again.
func (m *Manager) Publish(ctx context.Context, actions []Action) (uint64, error) {
	if m.base == nil {
		return 0, fmt.Errorf("publish before refresh")
	}
	if len(actions) == 0 {
		return 0, fmt.Errorf("nothing to publish")
	}

	last := LastSequence(m.base, m.delta)
	cs := ChangeSet{SequenceNumber: last + 1, Actions: actions}
	if err := cs.Validate(); err != nil {
		return 0, fmt.Errorf("invalid changeset: %w", err)
	}

	if err := m.remote.AppendDelta(ctx, cs, last); err != nil {
		return 0, err
	}

	m.delta.Changes = append(m.delta.Changes, cs)
	m.logger.Info("published changeset",
		zap.Uint64("sequence", cs.SequenceNumber),
		zap.Int("actions", len(cs.Actions)))

	return cs.SequenceNumber, nil
}

// Compact folds the delta changesets into the base index once the
// serialized delta outgrows half the serialized base. Purely a read-
// cost bound: correctness never depends on it running.
func (m *Manager) Compact(ctx context.Context) (bool, error) {
	if m.base == nil {
		return false, fmt.Errorf("compact before refresh")
	}
	if len(m.delta.Changes) == 0 {
		return false, nil
	}

	baseSize, err := EncodedSize(m.base)
	if err != nil {
		return false, fmt.Errorf("sizing base index: %w", err)
	}
	deltaSize, err := EncodedSize(m.delta)
	if err != nil {
		return false, fmt.Errorf("sizing delta index: %w", err)
	}
	if deltaSize*2 <= baseSize {
		return false, nil
	}

	folded := &BaseIndex{
		MostRecentSequenceNumber: m.delta.Changes[len(m.delta.Changes)-1].SequenceNumber,
		InitialActions:           append([]Action{}, m.base.InitialActions...),
	}
	for _, cs := range m.delta.Changes {
		folded.InitialActions = append(folded.InitialActions, cs.Actions...)
	}

	if err := m.remote.ReplaceBase(ctx, folded); err != nil {
		return false, fmt.Errorf("replacing base index: %w", err)
	}

	m.logger.Info("compacted delta into base",
		zap.Uint64("sequence", folded.MostRecentSequenceNumber),
		zap.Int("delta_bytes", deltaSize),
		zap.Int("base_bytes", baseSize))

	m.base = folded
	m.delta = &DeltaIndex{}
	return true, nil
}

// ApplySince returns the changesets with sequence strictly greater than
// lastSeen, in increasing order. A lastSeen older than the base's
// recorded sequence means the missing changesets were compacted away
// and the caller has to rebuild from the base's initial actions.
func (m *Manager) ApplySince(lastSeen uint64) ([]ChangeSet, error) {
	if m.base == nil {
		return nil, fmt.Errorf("apply-since before refresh")
	}
	if lastSeen < m.base.MostRecentSequenceNumber {
		return nil, errors.Conflict(fmt.Sprintf(
			"sequence %d predates base index %d: full rebuild required",
			lastSeen, m.base.MostRecentSequenceNumber))
	}

	var out []ChangeSet
	expect := lastSeen
	for _, cs := range m.delta.Changes {
		if cs.SequenceNumber <= lastSeen {
			continue
		}
		if cs.SequenceNumber != expect+1 {
			return nil, errors.Conflict(fmt.Sprintf(
				"changeset sequence gap: expected %d, got %d", expect+1, cs.SequenceNumber))
		}
		out = append(out, cs)
		expect = cs.SequenceNumber
	}
	return out, nil
}
