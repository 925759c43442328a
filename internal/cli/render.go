package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/capitalize-ai/querysession/internal/model"
	"github.com/capitalize-ai/querysession/internal/service"
)

// renderer prints query progress and messages as they happen. Listeners call
// it from several goroutines.
type renderer struct {
	mu          sync.Mutex
	out         io.Writer
	maxAttempts int

	step       string
	streamed   int
	retryShown bool
	lastState  service.QueryState
}

func newRenderer(out io.Writer, maxAttempts int) *renderer {
	return &renderer{out: out, maxAttempts: maxAttempts}
}

func (r *renderer) update(s service.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.Step != "" && s.Step != r.step {
		r.endLineLocked()
		fmt.Fprintf(r.out, "  … %s (%.0f%%)\n", s.Step, s.Percent)
		r.step = s.Step
	}
	if len(s.Streaming) > r.streamed {
		if r.streamed == 0 {
			fmt.Fprint(r.out, "assistant> ")
		}
		fmt.Fprint(r.out, s.Streaming[r.streamed:])
		r.streamed = len(s.Streaming)
	}

	switch {
	case s.RetryScheduled && !r.retryShown:
		r.endLineLocked()
		fmt.Fprintf(r.out, "  %s; retrying in %s (attempt %d/%d)\n",
			s.LastError, s.RetryDelay, s.RetryCount, r.maxAttempts)
		r.retryShown = true
		r.step = ""
	case !s.RetryScheduled:
		r.retryShown = false
	}

	if s.State == service.QueryCancelled && r.lastState != service.QueryCancelled {
		r.endLineLocked()
		fmt.Fprintln(r.out, "  cancelled")
		r.step = ""
	}
	r.lastState = s.State
}

func (r *renderer) message(m model.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case m.Role == model.RoleUser:
		return
	case m.IsError:
		r.endLineLocked()
		fmt.Fprintf(r.out, "error> %s (type /retry to try again)\n", m.Content)
	case r.streamed > 0:
		r.endLineLocked()
	default:
		fmt.Fprintf(r.out, "assistant> %s\n", m.Content)
	}
	r.step = ""
}

func (r *renderer) notice(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endLineLocked()
	fmt.Fprintf(r.out, "  "+format+"\n", args...)
}

// endLineLocked terminates a partially streamed answer.
func (r *renderer) endLineLocked() {
	if r.streamed > 0 {
		fmt.Fprintln(r.out)
		r.streamed = 0
	}
}

func printTranscript(out io.Writer, msgs []model.ChatMessage) {
	for _, m := range msgs {
		switch {
		case m.IsPending:
			continue
		case m.Role == model.RoleUser:
			fmt.Fprintf(out, "you> %s\n", m.Content)
		case m.IsError:
			fmt.Fprintf(out, "error> %s\n", m.Content)
		default:
			fmt.Fprintf(out, "assistant> %s\n", m.Content)
		}
	}
}

func printSummaries(out io.Writer, summaries []model.SessionSummary) {
	if len(summaries) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUPDATED\tMESSAGES\tTITLE")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.ID, s.LastUpdatedAt.Local().Format(time.DateTime), s.MessageCount, s.Title)
	}
	_ = tw.Flush()
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
