package diffmerge

import "time"

// RecordStatus is the terminal state of a recorded merge.
type RecordStatus string

const (
	RecordAccepted RecordStatus = "accepted"
	RecordRejected RecordStatus = "rejected"
)

// RecordEntry is one conflict decision in a merge record. Unresolved
// conflicts of a rejected merge are recorded with ChoiceSkip.
type RecordEntry struct {
	Kind      ConflictKind `json:"kind"`
	Subject   string       `json:"subject"`
	Choice    Choice       `json:"choice"`
	DecidedBy StrategyType `json:"decided_by,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

// RecordRepair is one cycle repair in a merge record.
type RecordRepair struct {
	Edge  string `json:"edge"`
	Cycle string `json:"cycle"`
}

// MergeRecord is the persisted summary of a merge attempt.
type MergeRecord struct {
	ID                string         `json:"id"`
	Strategy          StrategyType   `json:"strategy"`
	Status            RecordStatus   `json:"status"`
	Reason            string         `json:"reason,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	Summary           Summary        `json:"summary"`
	Entries           []RecordEntry  `json:"entries"`
	Repairs           []RecordRepair `json:"repairs,omitempty"`
	Cycle             string         `json:"cycle,omitempty"`
	MergedFingerprint string         `json:"merged_fingerprint,omitempty"`
}

// Recorder persists merge records.
type Recorder interface {
	SaveMerge(rec *MergeRecord) error
}

func acceptedRecord(res *MergeResult, now time.Time) *MergeRecord {
	rec := &MergeRecord{
		ID:                res.ID,
		Strategy:          res.Strategy,
		Status:            RecordAccepted,
		CreatedAt:         now.UTC(),
		Summary:           res.Conflicts.Summary(),
		MergedFingerprint: res.Graph.Fingerprint().String(),
	}
	for _, r := range res.Resolutions {
		rec.Entries = append(rec.Entries, entryFor(r))
	}
	for _, r := range res.Repairs {
		rec.Repairs = append(rec.Repairs, RecordRepair{Edge: r.Edge.String(), Cycle: r.Cycle.String()})
	}
	return rec
}

func rejectedRecord(run *mergeRun, cs *ConflictSet, merr *MergeError, now time.Time) *MergeRecord {
	rec := &MergeRecord{
		ID:        run.id,
		Strategy:  run.strategy,
		Status:    RecordRejected,
		Reason:    merr.Error(),
		CreatedAt: now.UTC(),
		Cycle:     merr.Cycle.String(),
	}
	if cs != nil {
		rec.Summary = cs.Summary()
	}
	for _, r := range run.resolutions {
		rec.Entries = append(rec.Entries, entryFor(r))
	}
	for _, c := range merr.Unresolved {
		rec.Entries = append(rec.Entries, RecordEntry{
			Kind:    c.Kind(),
			Subject: c.Subject().String(),
			Choice:  ChoiceSkip,
		})
	}
	for _, r := range run.repairs {
		rec.Repairs = append(rec.Repairs, RecordRepair{Edge: r.Edge.String(), Cycle: r.Cycle.String()})
	}
	return rec
}

func entryFor(r Resolution) RecordEntry {
	return RecordEntry{
		Kind:      r.Conflict.Kind(),
		Subject:   r.Conflict.Subject().String(),
		Choice:    r.Choice,
		DecidedBy: r.DecidedBy,
		Reason:    r.Reason,
	}
}
