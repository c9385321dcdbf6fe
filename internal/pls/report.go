package pls

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
)

// diffReportIDLimit is the largest diff whose ids are printed verbatim.
const diffReportIDLimit = 10

// EntityDiff is one entity's diff against the previous snapshot.
type EntityDiff struct {
	Entity  string
	Deleted []string
	Added   []string
}

// WriteDiffReport renders the per-entity diff as a table. An entity whose
// diff is small on both sides lists its ids so a routine run's handful of
// changes can be read straight off the report; larger diffs collapse to
// counts.
func WriteDiffReport(w io.Writer, diffs []EntityDiff) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetRowLine(true)
	table.SetHeader([]string{"Entity", "Deleted", "Added"})
	for _, d := range diffs {
		verbose := len(d.Deleted) <= diffReportIDLimit && len(d.Added) <= diffReportIDLimit
		table.Append([]string{d.Entity, diffCell(d.Deleted, verbose), diffCell(d.Added, verbose)})
	}
	table.Render()
}

func diffCell(ids []string, verbose bool) string {
	if verbose && len(ids) > 0 {
		return fmt.Sprintf("%d %v", len(ids), ids)
	}
	return fmt.Sprintf("%d", len(ids))
}
