package dagflow

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
)

// WorkflowFormatter renders workflow progress for humans.
type WorkflowFormatter interface {
	PrintWorkflow(w *Workflow)
	PrintJob(job *Job)
}

// TextFormatter prints workflows and jobs as colored text.
type TextFormatter struct {
	out io.Writer
}

// NewTextFormatter returns a formatter writing to out, or stdout if out is nil.
func NewTextFormatter(out io.Writer) *TextFormatter {
	if out == nil {
		out = os.Stdout
	}
	return &TextFormatter{out: out}
}

func (f *TextFormatter) PrintWorkflow(w *Workflow) {
	s := w.Summary()
	fmt.Fprintf(f.out, "%s %s\n", color.CyanString("Workflow:"), s.Name)
	fmt.Fprintf(f.out, "  id:       %s\n", s.ID)
	fmt.Fprintf(f.out, "  status:   %s\n", statusColor(string(s.Status)))
	fmt.Fprintf(f.out, "  progress: %d/%d jobs finished\n", s.Finished, s.Total)
	if s.StartedAt != nil {
		fmt.Fprintf(f.out, "  started:  %s\n", s.StartedAt.Format(time.RFC3339))
	}
	if s.FinishedAt != nil {
		fmt.Fprintf(f.out, "  finished: %s\n", s.FinishedAt.Format(time.RFC3339))
	}
	for _, job := range w.Jobs {
		f.PrintJob(job)
	}
}

func (f *TextFormatter) PrintJob(job *Job) {
	fmt.Fprintf(f.out, "  - %s [%s]", job.Name, statusColor(JobState(job)))
	if len(job.Incoming) > 0 {
		fmt.Fprintf(f.out, " after %v", job.Incoming)
	}
	fmt.Fprintln(f.out)
	if job.Error != "" {
		fmt.Fprintf(f.out, "      %s\n", color.RedString(job.Error))
	}
}

// JobState names the lifecycle state of a job.
func JobState(job *Job) string {
	switch {
	case job.Retrying():
		return "retrying"
	case job.Failed():
		return "failed"
	case job.Succeeded():
		return "succeeded"
	case job.Running():
		return "running"
	case job.Enqueued():
		return "enqueued"
	default:
		return "pending"
	}
}

func statusColor(status string) string {
	switch status {
	case "succeeded":
		return color.GreenString(status)
	case "failed":
		return color.RedString(status)
	case "retrying", "stopped":
		return color.YellowString(status)
	case "running", "enqueued":
		return color.BlueString(status)
	default:
		return status
	}
}
