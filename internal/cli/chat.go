package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/querysession/internal/model"
	"github.com/capitalize-ai/querysession/internal/service"
)

const chatHelp = `Commands:
  /new          start a new topic
  /retry        resubmit the last failed question
  /cancel       stop the running question
  /sessions     list saved conversations
  /load <id>    switch to a saved conversation
  /delete <id>  delete a saved conversation
  /quit         leave`

func newChatCmd(a *app) *cobra.Command {
	var resume string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			r := newRenderer(a.stdout, a.cfg.RetryMaxAttempts)
			rt.query.OnUpdate(r.update)
			rt.query.OnMessage(r.message)
			if rt.manager != nil {
				rt.manager.OnStateChange(func(_, to model.ConnectionState) {
					if to == model.StateReconnecting {
						r.notice("connection lost, reconnecting")
					}
				})
				rt.manager.OnFailed(func(attempts int, _ error) {
					r.notice("could not reach the analysis service after %d attempts", attempts)
				})
			}

			if resume != "" {
				if err := rt.query.LoadSession(ctx, resume); err != nil {
					return err
				}
				printTranscript(a.stdout, rt.query.Transcript())
			} else {
				rt.query.NewTopic(ctx)
			}

			fmt.Fprintln(a.stdout, "Type a question, or /help for commands.")
			return a.repl(ctx, rt, r)
		},
	}
	cmd.Flags().StringVar(&resume, "resume", "", "continue the saved conversation with this id")
	return cmd
}

func (a *app) repl(ctx context.Context, rt *runtime, r *renderer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(a.stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "/") {
			if _, err := rt.query.Submit(ctx, line); err != nil {
				r.notice("%s", submitError(err))
			}
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)
		switch cmd {
		case "/quit", "/exit":
			return nil
		case "/help":
			fmt.Fprintln(a.stdout, chatHelp)
		case "/new":
			rt.query.NewTopic(ctx)
		case "/retry":
			if _, err := rt.query.Retry(ctx); err != nil {
				r.notice("%s", submitError(err))
			}
		case "/cancel":
			if !rt.query.Cancel() {
				r.notice("nothing to cancel")
			}
		case "/sessions":
			summaries, err := rt.query.Sessions(ctx)
			if err != nil {
				r.notice("could not list sessions: %v", err)
				continue
			}
			printSummaries(a.stdout, summaries)
		case "/load":
			if arg == "" {
				r.notice("usage: /load <id>")
				continue
			}
			if err := rt.query.LoadSession(ctx, arg); err != nil {
				r.notice("could not load %s: %v", arg, err)
				continue
			}
			printTranscript(a.stdout, rt.query.Transcript())
		case "/delete":
			if arg == "" {
				r.notice("usage: /delete <id>")
				continue
			}
			if err := rt.query.DeleteSession(ctx, arg); err != nil {
				r.notice("could not delete %s: %v", arg, err)
				continue
			}
			r.notice("deleted %s", arg)
		default:
			r.notice("unknown command %s, try /help", cmd)
		}
	}
}

func submitError(err error) string {
	switch {
	case errors.Is(err, service.ErrQueryInFlight):
		return "a question is already running; /cancel it first"
	case errors.Is(err, service.ErrNothingToRetry):
		return "nothing to retry"
	default:
		return err.Error()
	}
}
