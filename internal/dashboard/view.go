package dashboard

import (
	"fmt"
	"sort"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
)

// Run renders Recorder snapshots in a termui loop until stop is closed or the
// user presses q/Ctrl-C. It is purely observational.
func Run(stop <-chan struct{}, rec *Recorder) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("dashboard: init termui: %w", err)
	}
	defer ui.Close()

	orgTable := widgets.NewTable()
	orgTable.Title = "Sources"
	orgTable.SetRect(0, 0, 60, 12)

	replayTable := widgets.NewTable()
	replayTable.Title = "Replay positions"
	replayTable.SetRect(0, 12, 60, 20)

	sinkTable := widgets.NewTable()
	sinkTable.Title = "Sinks"
	sinkTable.SetRect(0, 20, 60, 28)

	render := func() {
		snap := rec.Snapshot()
		orgTable.Rows = orgRows(snap)
		replayTable.Rows = replayRows(snap)
		sinkTable.Rows = sinkRows(snap)
		ui.Render(orgTable, replayTable, sinkTable)
	}
	render()

	uiEvents := ui.PollEvents()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return nil
		case e := <-uiEvents:
			if e.ID == "q" || e.ID == "<C-c>" {
				return nil
			}
		case <-ticker.C:
			render()
		}
	}
}

func orgRows(snap Snapshot) [][]string {
	rows := [][]string{{"org", "state", "forwarded"}}
	orgs := make([]string, 0, len(snap.OrgState))
	for org := range snap.OrgState {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)
	for _, org := range orgs {
		rows = append(rows, []string{org, snap.OrgState[org], fmt.Sprintf("%d", snap.Forwarded[org])})
	}
	return rows
}

func replayRows(snap Snapshot) [][]string {
	rows := [][]string{{"org/channel", "last replay id"}}
	keys := make([]string, 0, len(snap.LastID))
	for k := range snap.LastID {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rows = append(rows, []string{k, fmt.Sprintf("%d", snap.LastID[k])})
	}
	return rows
}

func sinkRows(snap Snapshot) [][]string {
	rows := [][]string{{"broker/exchange", "published"}}
	keys := make([]string, 0, len(snap.Published))
	for k := range snap.Published {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rows = append(rows, []string{k, fmt.Sprintf("%d", snap.Published[k])})
	}
	rows = append(rows, []string{"dropped", fmt.Sprintf("%d", snap.Dropped)})
	rows = append(rows, []string{"sink errors", fmt.Sprintf("%d", snap.SinkErrs)})
	return rows
}
