package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/obot-platform/leadqueue/server/internal/model"
	"github.com/obot-platform/leadqueue/server/internal/service"
)

const timeLayout = "2006-01-02 15:04:05"

// printer renders API results as a table or as indented JSON.
type printer struct {
	out  io.Writer
	json bool
}

func (p *printer) writeJSON(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) table() *tabwriter.Writer {
	return tabwriter.NewWriter(p.out, 0, 0, 2, ' ', 0)
}

func (p *printer) assignment(a *service.Assignment) error {
	if p.json {
		return p.writeJSON(a)
	}
	w := p.table()
	defer w.Flush()
	fmt.Fprintln(w, "UNIT\tLEAD\tAGENT\tPOSITION\tASSIGNED\tNOTE")
	note := ""
	if a.Replayed {
		note = "already assigned"
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
		a.UnitID, a.LeadID, a.AgentID, a.PositionInQueue, a.TotalInQueue, a.AssignedAt.Local().Format(timeLayout), note)
	return nil
}

func (p *printer) rotation(v *service.RotationView) error {
	if p.json {
		return p.writeJSON(v)
	}
	w := p.table()
	defer w.Flush()
	fmt.Fprintln(w, "POSITION\tAGENT\tSTATE\tNEXT")
	next := 0
	if v.Size > 0 {
		next = v.Cursor%v.Size + 1
	}
	for _, m := range v.Active {
		marker := ""
		if m.SequencePosition == next {
			marker = "<-"
		}
		fmt.Fprintf(w, "%d\t%s\tactive\t%s\n", m.SequencePosition, m.AgentID, marker)
	}
	for _, m := range v.Parked {
		fmt.Fprintf(w, "-\t%s\tparked\t\n", m.AgentID)
	}
	return nil
}

func (p *printer) logs(page *service.LogPage) error {
	if p.json {
		return p.writeJSON(page)
	}
	w := p.table()
	defer w.Flush()
	fmt.Fprintln(w, "ID\tASSIGNED\tLEAD\tAGENT\tPOSITION\tPREVIOUS OWNER")
	for _, e := range page.Entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d/%d\t%s\n",
			e.ID, e.AssignedAt.Local().Format(timeLayout), e.LeadID, e.AgentID, e.PositionInQueue, e.TotalInQueue, deref(e.PreviousOwnerAgentID))
	}
	fmt.Fprintf(w, "\nshowing %d of %d (offset %d)\n", len(page.Entries), page.Total, page.Offset)
	return nil
}

func (p *printer) load(s *service.LoadSummary) error {
	if p.json {
		return p.writeJSON(s)
	}
	w := p.table()
	defer w.Flush()
	fmt.Fprintf(w, "last %d of %d leads across %d active agents\n\n", s.LeadsInView, s.TotalLeads, s.ActiveCount)
	fmt.Fprintln(w, "POSITION\tAGENT\tLEADS\tLAST ASSIGNED\tCYCLES SINCE\tSKEWED")
	for _, a := range s.Agents {
		last := "never"
		if a.LastAssignedAt != nil {
			last = a.LastAssignedAt.Local().Format(timeLayout)
		}
		skewed := ""
		if a.Skewed {
			skewed = "yes"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%.2f\t%s\n", a.SequencePosition, a.AgentID, a.LeadsInWindow, last, a.CyclesSinceLast, skewed)
	}
	return nil
}

// absenceRow is the display form of an absence.
type absenceRow struct {
	ID      string     `json:"id"`
	AgentID string     `json:"agentId"`
	UnitID  string     `json:"unitId"`
	Start   time.Time  `json:"start"`
	End     *time.Time `json:"end,omitempty"`
	Reason  string     `json:"reason,omitempty"`
}

func rowFromAbsence(a *model.Absence) absenceRow {
	return absenceRow{
		ID:      a.ID,
		AgentID: a.AgentID,
		UnitID:  a.UnitID,
		Start:   a.StartAt,
		End:     a.EndAt,
		Reason:  deref(a.Reason),
	}
}

func (p *printer) absences(rows []absenceRow) error {
	if p.json {
		return p.writeJSON(rows)
	}
	w := p.table()
	defer w.Flush()
	fmt.Fprintln(w, "ID\tAGENT\tUNIT\tSTART\tEND\tREASON")
	for _, r := range rows {
		end := "open"
		if r.End != nil {
			end = r.End.Local().Format(timeLayout)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.AgentID, r.UnitID, r.Start.Local().Format(timeLayout), end, strings.TrimSpace(r.Reason))
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
