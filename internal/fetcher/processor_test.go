package fetcher

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/djlord-it/prelist/internal/domain"
	"github.com/djlord-it/prelist/internal/testutil"
)

type attendeeSource struct {
	stubSource
	attendees []Attendee
}

func (s *attendeeSource) GetAttendees(ctx context.Context, id string) ([]Attendee, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.attendees, nil
}

func TestProcess_WritesAttendeeCSV(t *testing.T) {
	dir := t.TempDir()
	src := &attendeeSource{attendees: []Attendee{
		{ID: "a-1", Name: "Ada", Email: "ada@example.com"},
		{ID: "a-2", Name: "Grace", Email: "grace@example.com"},
	}}
	clock := testutil.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	p := NewAttendeeListProcessor(src, dir).WithClock(clock.Now)

	ev := domain.Event{ID: "ev-1", Name: "Spring Gala"}
	result, err := p.Process(testutil.TestContext(t), ev)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.AttendeeCount != 2 {
		t.Errorf("attendeeCount = %d, want 2", result.AttendeeCount)
	}

	f, err := os.Open(filepath.Join(dir, "ev-1.csv"))
	if err != nil {
		t.Fatalf("open list: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2", len(rows))
	}
	if rows[1][1] != "Ada" || rows[2][2] != "grace@example.com" {
		t.Errorf("rows = %v", rows)
	}
	if rows[1][5] != "2024-03-01T12:00:00Z" {
		t.Errorf("generated_at = %q", rows[1][5])
	}
}

func TestProcess_SourceFailurePropagates(t *testing.T) {
	src := &attendeeSource{}
	src.err = errors.New("upstream down")
	p := NewAttendeeListProcessor(src, t.TempDir())

	_, err := p.Process(testutil.TestContext(t), domain.Event{ID: "ev-1"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestProcess_EmptyListStillWritesHeader(t *testing.T) {
	dir := t.TempDir()
	p := NewAttendeeListProcessor(&attendeeSource{}, dir)

	result, err := p.Process(testutil.TestContext(t), domain.Event{ID: "ev-2", Name: "Meetup"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.AttendeeCount != 0 {
		t.Errorf("attendeeCount = %d, want 0", result.AttendeeCount)
	}
	if _, err := os.Stat(filepath.Join(dir, "ev-2.csv")); err != nil {
		t.Errorf("list file missing: %v", err)
	}
}
