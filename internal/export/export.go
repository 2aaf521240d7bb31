// Package export ships a day's snapshots as NDJSON to a file, SFTP or FTP
// destination.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warpdl/racecard/internal/posttime"
	"github.com/warpdl/racecard/internal/store"
	"github.com/warpdl/racecard/pkg/logger"
)

// DayLayout is the date format of export file names and the export action
// argument.
const DayLayout = "2006-01-02"

// ErrBadDay is returned by Action for an argument that is not a DayLayout date.
var ErrBadDay = errors.New("export: bad day")

// SnapshotReader is the part of store.Store the exporter needs.
type SnapshotReader interface {
	SnapshotsBetween(ctx context.Context, from, to time.Time) ([]store.Snapshot, error)
}

// SinkOpener opens a fresh sink per export.
type SinkOpener func(ctx context.Context) (Sink, error)

// Result describes one written export file.
type Result struct {
	Name      string `json:"name"`
	Day       string `json:"day"`
	Snapshots int    `json:"snapshots"`
	Bytes     int64  `json:"bytes"`
}

// Options configures an Exporter.
type Options struct {
	Source   SnapshotReader
	Open     SinkOpener
	Location *time.Location
	Logger   logger.Logger
	Now      func() time.Time
}

// Exporter writes daily snapshot files.
type Exporter struct {
	src  SnapshotReader
	open SinkOpener
	loc  *time.Location
	log  logger.Logger
	now  func() time.Time
}

// New returns an Exporter.
func New(opts Options) *Exporter {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Exporter{
		src:  opts.Source,
		open: opts.Open,
		loc:  opts.Location,
		log:  logger.Named(opts.Logger, "export"),
		now:  opts.Now,
	}
}

// FileName is the name of day's export file.
func FileName(day string) string {
	return "snapshots-" + day + ".jsonl"
}

// Export writes every snapshot collected on day's calendar date, one JSON
// object per line. Days without snapshots still produce an empty file.
func (e *Exporter) Export(ctx context.Context, day time.Time) (*Result, error) {
	from, to := posttime.Day(day, e.loc)
	snaps, err := e.src.SnapshotsBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("export: read snapshots: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, s := range snaps {
		s.CollectedAt = s.CollectedAt.In(e.loc)
		if err := enc.Encode(s); err != nil {
			return nil, fmt.Errorf("export: encode %s: %w", s.ID, err)
		}
	}

	sink, err := e.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("export: open sink: %w", err)
	}
	defer sink.Close()

	res := &Result{Day: from.Format(DayLayout), Snapshots: len(snaps)}
	res.Name = FileName(res.Day)
	n, err := sink.Put(ctx, res.Name, &buf)
	if err != nil {
		return nil, fmt.Errorf("export: write %s to %s: %w", res.Name, sink, err)
	}
	res.Bytes = n
	e.log.Info("wrote %d snapshots to %s/%s", res.Snapshots, sink, res.Name)
	return res, nil
}

// Action is the scheduler action. It exports args[0] (a DayLayout date)
// or, without arguments, the previous day.
func (e *Exporter) Action(ctx context.Context, args []string) error {
	day := e.now().In(e.loc).AddDate(0, 0, -1)
	if len(args) > 0 && args[0] != "" {
		d, err := time.ParseInLocation(DayLayout, args[0], e.loc)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrBadDay, args[0])
		}
		day = d
	}
	_, err := e.Export(ctx, day)
	return err
}
