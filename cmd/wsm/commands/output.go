package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/openfroyo/wsm/pkg/engine"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderTable writes rows under header.
func renderTable(w io.Writer, header []string, rows [][]string) error {
	table := tablewriter.NewWriter(w)
	headerCells := make([]any, len(header))
	for i, h := range header {
		headerCells[i] = h
	}
	table.Header(headerCells...)
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// printReport writes a status report as JSON or as a summary plus stage table.
func printReport(w io.Writer, rep *engine.StatusReport) error {
	if jsonOutput {
		return printJSON(w, rep)
	}

	fmt.Fprintf(w, "Run:       %s\n", rep.RunID)
	fmt.Fprintf(w, "Operation: %s\n", rep.Operation)
	if rep.ParentRunID != "" {
		fmt.Fprintf(w, "Parent:    %s\n", rep.ParentRunID)
	}
	fmt.Fprintf(w, "Status:    %s\n", rep.Status)
	fmt.Fprintf(w, "Created:   %s\n", formatTime(rep.CreatedAt))
	if rep.CompletedAt != nil {
		fmt.Fprintf(w, "Completed: %s\n", formatTime(*rep.CompletedAt))
	}
	if rep.Error != nil {
		fmt.Fprintf(w, "Error:     [%s] %s (stage %s)\n", rep.Error.Class, rep.Error.Message, orDash(rep.Error.Stage))
		for _, c := range rep.Error.Conflicts {
			fmt.Fprintf(w, "  conflict: %s\n", c)
		}
	}
	fmt.Fprintln(w)

	rows := make([][]string, 0, len(rep.Stages))
	for i, s := range rep.Stages {
		rows = append(rows, []string{
			fmt.Sprintf("%d", i),
			s.Name,
			string(s.Status),
			fmt.Sprintf("%d", s.Attempts),
			orDash(s.LastError),
		})
	}
	return renderTable(w, []string{"#", "Stage", "Status", "Attempts", "Last Error"}, rows)
}
