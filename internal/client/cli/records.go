package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quackmore/mycoRegister/internal/client/models"
)

// sample is the JSON payload shape of a field observation record. The
// server treats payloads as opaque documents; this is purely a CLI-side
// convenience for entering and displaying them.
type sample struct {
	Species    string `json:"species"`
	Location   string `json:"location"`
	ObservedAt string `json:"observedAt"`
	Notes      string `json:"notes,omitempty"`
}

func (a *App) list(ctx context.Context) {
	all, err := a.sync.LocalStore().GetAll(ctx)
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}
	if len(all) == 0 {
		fmt.Fprintln(a.out, "No records yet.")
		return
	}
	for _, r := range all {
		var s sample
		_ = json.Unmarshal(r.Payload, &s)
		marker := " "
		if r.Dirty {
			marker = "*"
		}
		fmt.Fprintf(a.out, "%s %-36s  %-28s %s\n", marker, r.ID, s.Species, s.Location)
	}
}

func (a *App) add(ctx context.Context) {

	species, err := GetSimpleText(a.reader, "Species (best guess is fine)", a.out)
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}

	location, err := GetSimpleText(a.reader, "Location", a.out)
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}

	notes, err := GetMultiline(a.reader, "Notes", a.out)
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}

	now := time.Now().UTC()
	payload, err := json.Marshal(sample{
		Species:    species,
		Location:   location,
		ObservedAt: now.Format(time.RFC3339),
		Notes:      notes,
	})
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}

	rec := &models.Record{
		ID:        uuid.NewString(),
		Payload:   payload,
		UpdatedAt: now,
	}
	if err := a.sync.LocalStore().Upsert(ctx, rec); err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}
	fmt.Fprintf(a.out, "Saved %s\n", rec.ID)
}

func (a *App) show(ctx context.Context, id string) {
	rec, err := a.sync.LocalStore().GetByID(ctx, id)
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}
	if rec.Deleted {
		fmt.Fprintf(a.out, "%s is deleted (pending replication)\n", rec.ID)
		return
	}

	var pretty json.RawMessage = rec.Payload
	body, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		body = rec.Payload
	}
	fmt.Fprintf(a.out, "%s (updated %s, dirty=%v)\n%s\n",
		rec.ID, rec.UpdatedAt.Format(time.RFC3339), rec.Dirty, body)
}

func (a *App) delete(ctx context.Context, id string) {
	if _, err := a.sync.LocalStore().GetByID(ctx, id); err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}
	if err := a.sync.LocalStore().Delete(ctx, id); err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}
	fmt.Fprintf(a.out, "Deleted %s\n", id)
}
