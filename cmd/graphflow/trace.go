package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// spanTable keeps finished spans so --trace can print them once the run
// is over.
type spanTable struct {
	mu    sync.Mutex
	spans []sdktrace.ReadOnlySpan
}

func (s *spanTable) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	s.mu.Lock()
	s.spans = append(s.spans, spans...)
	s.mu.Unlock()
	return nil
}

func (s *spanTable) Shutdown(ctx context.Context) error { return nil }

// render writes the spans in start order.
func (s *spanTable) render(out io.Writer) {
	s.mu.Lock()
	spans := append([]sdktrace.ReadOnlySpan(nil), s.spans...)
	s.mu.Unlock()

	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Span", "Start", "Duration", "Status"})
	t.SortBy([]table.SortBy{{Name: "Start", Mode: table.Asc}})
	for _, sp := range spans {
		status := sp.Status().Code.String()
		if d := sp.Status().Description; d != "" {
			status += ": " + truncate(d, 40)
		}
		t.AppendRow(table.Row{
			sp.Name(),
			sp.StartTime().Format("15:04:05.000000"),
			sp.EndTime().Sub(sp.StartTime()).Round(time.Microsecond),
			status,
		})
	}
	fmt.Fprintln(out, t.Render())
}

// newSpanTable returns a provider exporting synchronously into a spanTable.
func newSpanTable() (*sdktrace.TracerProvider, *spanTable) {
	st := &spanTable{}
	return sdktrace.NewTracerProvider(sdktrace.WithSyncer(st)), st
}
