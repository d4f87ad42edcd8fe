package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/kestrel-es/kestrel"
	"github.com/kestrel-es/kestrel/adapters"
	"github.com/kestrel-es/kestrel/cli/styles"
)

// StreamReport is the outcome of VerifyStream.
type StreamReport struct {
	AggregateID string
	Events      int
	Version     int64

	// Snapshot is nil when none is stored or the adapter has no snapshot
	// support.
	Snapshot *adapters.SnapshotRecord

	// Integrity holds the first DataIntegrityError found in the log.
	Integrity error

	// Warnings are findings that do not stop replay.
	Warnings []string
}

// Err returns the integrity failure, if any.
func (r *StreamReport) Err() error {
	return r.Integrity
}

// VerifyStream checks that the stored log of aggregateID is contiguous from
// sequence 1 and that the stored snapshot and stream metadata agree with it.
// Storage failures are returned as errors; corrupt history is reported in
// the StreamReport.
func VerifyStream(ctx context.Context, adapter adapters.EventStoreAdapter, aggregateID string) (*StreamReport, error) {
	report := &StreamReport{AggregateID: aggregateID}

	events, err := adapter.Load(ctx, aggregateID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", aggregateID, err)
	}
	report.Events = len(events)
	if len(events) > 0 {
		report.Version = events[len(events)-1].Sequence
	}
	report.Integrity = kestrel.ValidateStoredSequence(aggregateID, events, 0)

	if len(events) > 0 {
		info, err := adapter.GetStreamInfo(ctx, aggregateID)
		switch {
		case err != nil:
			return nil, fmt.Errorf("failed to read stream info for %s: %w", aggregateID, err)
		case info.Version != report.Version:
			report.Warnings = append(report.Warnings, fmt.Sprintf(
				"stream metadata reports version %d but the last stored event is %d", info.Version, report.Version))
		}
	}

	if sa, ok := adapter.(adapters.SnapshotAdapter); ok {
		snapshot, err := sa.LoadSnapshot(ctx, aggregateID)
		if err != nil && !errors.Is(err, kestrel.ErrSnapshotsNotSupported) {
			return nil, fmt.Errorf("failed to load snapshot for %s: %w", aggregateID, err)
		}
		report.Snapshot = snapshot
		if snapshot != nil && snapshot.Sequence > report.Version {
			report.Warnings = append(report.Warnings, fmt.Sprintf(
				"snapshot at sequence %d is ahead of the log at %d; loads return the snapshot state unchanged",
				snapshot.Sequence, report.Version))
		}
	}

	return report, nil
}

// Render writes a human-readable summary of the report.
func (r *StreamReport) Render(out io.Writer) {
	fmt.Fprintln(out, styles.Title.Render(fmt.Sprintf("%s %s", styles.IconStream, r.AggregateID)))
	fmt.Fprintln(out, styles.FormatKeyValue("Events", fmt.Sprint(r.Events)))
	fmt.Fprintln(out, styles.FormatKeyValue("Version", fmt.Sprint(r.Version)))
	if r.Snapshot != nil {
		fmt.Fprintln(out, styles.FormatKeyValue("Snapshot", fmt.Sprintf("sequence %d, schema v%d",
			r.Snapshot.Sequence, r.Snapshot.SchemaVersion)))
	} else {
		fmt.Fprintln(out, styles.FormatKeyValue("Snapshot", "none"))
	}
	fmt.Fprintln(out)

	for _, w := range r.Warnings {
		fmt.Fprintln(out, styles.FormatWarning(w))
	}

	switch {
	case r.Integrity != nil:
		fmt.Fprintln(out, styles.FormatError(r.Integrity.Error()))
	case r.Events == 0:
		fmt.Fprintln(out, styles.FormatInfo("No events stored"))
	default:
		fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("Sequences 1..%d are contiguous", r.Version)))
	}
}
