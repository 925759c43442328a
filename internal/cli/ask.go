package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/querysession/internal/service"
)

func newAskCmd(a *app) *cobra.Command {
	var (
		session string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask one question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			done := make(chan service.Snapshot, 1)
			progress := newRenderer(a.stderr, a.cfg.RetryMaxAttempts)
			rt.query.OnUpdate(func(s service.Snapshot) {
				if s.RetryScheduled {
					progress.update(s)
				}
				if finished(s) {
					select {
					case done <- s:
					default:
					}
				}
			})

			if session != "" {
				if err := rt.query.LoadSession(ctx, session); err != nil {
					return err
				}
			} else {
				rt.query.NewTopic(ctx)
			}

			if _, err := rt.query.Submit(ctx, strings.Join(args, " ")); err != nil {
				return err
			}

			var snap service.Snapshot
			select {
			case <-ctx.Done():
				rt.query.Cancel()
				return ctx.Err()
			case snap = <-done:
			}

			transcript := rt.query.Transcript()
			if len(transcript) == 0 {
				return fmt.Errorf("query %s", snap.State)
			}
			answer := transcript[len(transcript)-1]
			if asJSON {
				if err := printJSON(a.stdout, answer); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(a.stdout, answer.Content)
			}

			if snap.State != service.QueryCompleted {
				return fmt.Errorf("query %s: %s", snap.State, answer.Content)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "ask within the saved conversation with this id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the answer message as JSON")
	return cmd
}

// finished reports whether the query reached an outcome that needs no more
// waiting.
func finished(s service.Snapshot) bool {
	switch s.State {
	case service.QueryCompleted, service.QueryCancelled:
		return true
	case service.QueryFailed:
		return !s.RetryScheduled
	default:
		return false
	}
}
