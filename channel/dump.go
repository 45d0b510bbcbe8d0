package channel

import (
	"context"
	"encoding/json"
	"io"

	"github.com/micromdm/nanorollout/workflow"
)

// ReportDumper is a Receiver middleware that dumps reports to an output writer.
type ReportDumper struct {
	next   Receiver
	output io.Writer
}

func NewReportDumper(next Receiver, output io.Writer) *ReportDumper {
	return &ReportDumper{next: next, output: output}
}

// Receive dumps the JSON report and processes the next receiver.
func (d *ReportDumper) Receive(ctx context.Context, r *workflow.Report) error {
	if b, err := json.Marshal(r); err == nil {
		d.output.Write(append(b, '\n'))
	}
	return d.next.Receive(ctx, r)
}
