package engine

import (
	"context"

	"brainengine/src/apperr"
)

// RecoveryReport summarizes a journal replay.
type RecoveryReport struct {
	Pending  int `json:"pending"`
	Replayed int `json:"replayed"`
	// Skipped counts writes already applied or superseded.
	Skipped int `json:"skipped"`
}

// Recover replays batches the journal shows as begun but never committed.
// Each write is checked against the store first, so replaying a batch that
// did land is a no-op.
func (e *Engine) Recover(ctx context.Context) (*RecoveryReport, error) {
	report := &RecoveryReport{}
	if e.journal == nil {
		return report, nil
	}
	pending, err := e.journal.Pending()
	if err != nil {
		return nil, apperr.Op("recover", err)
	}
	report.Pending = len(pending)

	for _, batch := range pending {
		replay, skipped, err := e.reconcile(ctx, batch)
		if err != nil {
			return report, apperr.Op("recover", err)
		}
		report.Skipped += skipped
		if !replay.Empty() {
			if err := e.store.ApplyBatch(ctx, replay); err != nil {
				return report, apperr.Op("recover", err)
			}
			report.Replayed++
			e.logger.Infow("Replayed journaled batch", "batch", batch.ID,
				"inserts", len(replay.Inserts), "updates", len(replay.Updates), "deletes", len(replay.Deletes))
		}
		if err := e.journal.Commit(batch.ID); err != nil {
			return report, apperr.Op("recover", err)
		}
		for _, id := range batch.RecordIDs() {
			if _, err := e.store.DeleteFormulaCache(ctx, id, nil); err != nil {
				e.logger.Warnw("Failed to drop cache of replayed record", "record", id, "error", err)
			}
		}
	}
	return report, nil
}

// reconcile keeps the writes of batch the store has not seen yet.
func (e *Engine) reconcile(ctx context.Context, batch *RecordBatch) (*RecordBatch, int, error) {
	out := &RecordBatch{ID: batch.ID}
	skipped := 0
	for _, rec := range batch.Inserts {
		_, err := e.store.GetRecord(ctx, rec.ID)
		switch {
		case err == nil:
			skipped++
		case apperr.IsNotFound(err):
			out.Inserts = append(out.Inserts, rec)
		default:
			return nil, 0, err
		}
	}
	for _, u := range batch.Updates {
		current, err := e.store.GetRecord(ctx, u.Record.ID)
		switch {
		case apperr.IsNotFound(err):
			skipped++
		case err != nil:
			return nil, 0, err
		case current.Version == u.ExpectedVersion:
			out.Updates = append(out.Updates, u)
		default:
			skipped++
		}
	}
	for _, d := range batch.Deletes {
		_, err := e.store.GetRecord(ctx, d.RecordID)
		switch {
		case err == nil:
			out.Deletes = append(out.Deletes, RecordDelete{RecordID: d.RecordID})
		case apperr.IsNotFound(err):
			skipped++
		default:
			return nil, 0, err
		}
	}
	return out, skipped, nil
}
