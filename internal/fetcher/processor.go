package fetcher

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/djlord-it/prelist/internal/domain"
	"github.com/djlord-it/prelist/internal/scheduler"
)

// AttendeeListProcessor generates the pre-event attendee list: it pulls
// the current registrations from the source and writes them as a CSV to
// the output directory, one file per event. Downstream print/email
// dispatch picks the file up from there.
type AttendeeListProcessor struct {
	source EventSource
	outDir string
	clock  func() time.Time
}

func NewAttendeeListProcessor(source EventSource, outDir string) *AttendeeListProcessor {
	return &AttendeeListProcessor{
		source: source,
		outDir: outDir,
		clock:  time.Now,
	}
}

// WithClock overrides the time source for tests.
func (p *AttendeeListProcessor) WithClock(clock func() time.Time) *AttendeeListProcessor {
	p.clock = clock
	return p
}

// Process fetches the attendee list for the event and writes it out.
// Errors are returned unwrapped enough for the retry coordinator to act
// on them; a later attempt regenerates the full file.
func (p *AttendeeListProcessor) Process(ctx context.Context, event domain.Event) (scheduler.ProcessResult, error) {
	attendees, err := p.source.GetAttendees(ctx, event.ID)
	if err != nil {
		return scheduler.ProcessResult{}, fmt.Errorf("fetch attendees: %w", err)
	}

	if err := p.writeList(event, attendees); err != nil {
		return scheduler.ProcessResult{}, err
	}

	log.Printf("processor: event=%s attendee list generated count=%d", event.ID, len(attendees))
	return scheduler.ProcessResult{AttendeeCount: len(attendees)}, nil
}

// writeList writes the CSV via a temp file and rename, so a crash mid-
// write never leaves a truncated list behind.
func (p *AttendeeListProcessor) writeList(event domain.Event, attendees []Attendee) error {
	if err := os.MkdirAll(p.outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	final := filepath.Join(p.outDir, event.ID+".csv")
	tmp, err := os.CreateTemp(p.outDir, event.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	header := []string{"attendee_id", "name", "email", "event_id", "event_name", "generated_at"}
	if err := w.Write(header); err != nil {
		tmp.Close()
		return fmt.Errorf("write header: %w", err)
	}
	generatedAt := p.clock().UTC().Format(time.RFC3339)
	for _, a := range attendees {
		row := []string{a.ID, a.Name, a.Email, event.ID, event.Name, generatedAt}
		if err := w.Write(row); err != nil {
			tmp.Close()
			return fmt.Errorf("write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return fmt.Errorf("publish list: %w", err)
	}
	return nil
}
