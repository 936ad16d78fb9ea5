package layout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/yairfalse/threadprio/internal/memory"
	"github.com/yairfalse/threadprio/internal/offsets"
	"github.com/yairfalse/threadprio/internal/symbols"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// DefaultMaxRecords bounds a walk over a table without an end marker.
// HotSpot tables hold a few thousand entries.
const DefaultMaxRecords = 100000

// ErrTargetNotFound is returned when the walk ended without finding every target
var ErrTargetNotFound = errors.New("layout target not found")

// Target is a (type, field) pair whose offset is published into Field
type Target struct {
	Field     offsets.Field
	TypeName  string
	FieldName string
}

func (t Target) String() string {
	return t.TypeName + "::" + t.FieldName
}

// HotSpotTargets are the JavaThread -> OSThread -> thread id hops
func HotSpotTargets() []Target {
	return []Target{
		{Field: offsets.OSThread, TypeName: "JavaThread", FieldName: "_osthread"},
		{Field: offsets.ThreadID, TypeName: "OSThread", FieldName: "_thread_id"},
	}
}

// Options configures Discover
type Options struct {
	Loader     symbols.Loader
	Memory     *memory.Accessor
	Cache      *offsets.Cache
	Library    string
	Symbols    SymbolNames
	Targets    []Target
	Stop       StopFunc
	MaxRecords int
	Logger     *zap.Logger
}

func (o *Options) setDefaults() {
	if o.Library == "" {
		o.Library = "libjvm.so"
	}
	if o.Symbols == (SymbolNames{}) {
		o.Symbols = HotSpotSymbols()
	}
	if len(o.Targets) == 0 {
		o.Targets = HotSpotTargets()
	}
	if o.Stop == nil {
		o.Stop = NullTerminated
	}
	if o.MaxRecords == 0 {
		o.MaxRecords = DefaultMaxRecords
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Match is an offset found in the table
type Match struct {
	Target    Target
	Offset    int64
	Record    int
	Published bool
}

// Report summarises one discovery run
type Report struct {
	Library    string
	Table      Table
	Records    int
	Matches    []Match
	Duplicates int
	Missing    []Target
}

// Discover opens the library, walks its layout table once and publishes the
// target offsets into the cache. It runs once, before enforcement starts.
// A failure leaves the affected offsets unknown; offsets published before a
// mid-walk failure stay published. The report is non-nil whenever the table
// was located.
func Discover(ctx context.Context, opts Options) (*Report, error) {
	opts.setDefaults()
	if opts.Loader == nil || opts.Memory == nil || opts.Cache == nil {
		return nil, errors.New("discover: loader, memory and cache are required")
	}
	logger := opts.Logger

	_, span := otel.Tracer("threadprio/layout").Start(ctx, "layout.discover")
	defer span.End()
	span.SetAttributes(attribute.String("library", opts.Library))

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	lib, err := opts.Loader.Open(opts.Library)
	if err != nil {
		return nil, fail(fmt.Errorf("failed to open %s: %w", opts.Library, err))
	}

	table, err := ResolveTable(lib, opts.Memory, opts.Symbols)
	if err != nil {
		return nil, fail(fmt.Errorf("failed to locate layout table in %s: %w", lib.Path(), err))
	}

	logger.Info("Layout table located",
		zap.String("library", lib.Path()),
		zap.String("base", fmt.Sprintf("0x%x", table.Base)),
		zap.Uint64("stride", table.Stride),
		zap.Uint64("type_name_offset", table.TypeNameOffset),
		zap.Uint64("field_name_offset", table.FieldNameOffset),
		zap.Uint64("offset_offset", table.OffsetOffset))

	report := &Report{Library: lib.Path(), Table: table}

	cursor := table.Cursor(opts.Memory, opts.Stop, opts.MaxRecords)
	for cursor.Next() {
		rec := cursor.Record()
		for _, target := range opts.Targets {
			if rec.TypeName != target.TypeName || rec.FieldName != target.FieldName {
				continue
			}

			value, err := cursor.Offset()
			if err != nil {
				logger.Warn("Failed to read field offset",
					zap.Stringer("target", target),
					zap.Error(err))
				continue
			}
			if value < 0 {
				logger.Warn("Ignoring negative field offset",
					zap.Stringer("target", target),
					zap.Int32("offset", value))
				continue
			}

			m := Match{Target: target, Offset: int64(value), Record: cursor.Count() - 1}
			m.Published = opts.Cache.Publish(target.Field, m.Offset)
			report.Matches = append(report.Matches, m)

			if !m.Published {
				report.Duplicates++
				current, _ := opts.Cache.Offset(target.Field)
				logger.Warn("Ignoring duplicate layout entry",
					zap.Stringer("target", target),
					zap.Int64("offset", m.Offset),
					zap.Int64("kept", current))
				continue
			}

			logger.Info("Discovered field offset",
				zap.Stringer("target", target),
				zap.String("offset", fmt.Sprintf("0x%x", m.Offset)))
		}
	}
	report.Records = cursor.Count()
	span.SetAttributes(attribute.Int("records", report.Records))

	for _, target := range opts.Targets {
		if _, known := opts.Cache.Offset(target.Field); !known {
			report.Missing = append(report.Missing, target)
		}
	}

	if err := cursor.Err(); err != nil {
		return report, fail(fmt.Errorf("layout table walk stopped after %d records: %w", report.Records, err))
	}
	if len(report.Missing) > 0 {
		names := make([]string, 0, len(report.Missing))
		for _, t := range report.Missing {
			names = append(names, t.String())
		}
		return report, fail(fmt.Errorf("%w: %s", ErrTargetNotFound, strings.Join(names, ", ")))
	}
	return report, nil
}
