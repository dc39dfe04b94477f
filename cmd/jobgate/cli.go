package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/scoutdesk/jobgate/internal/api"
	"github.com/scoutdesk/jobgate/internal/client"
	"github.com/scoutdesk/jobgate/internal/events"
	"github.com/scoutdesk/jobgate/internal/inspect"
	"github.com/scoutdesk/jobgate/internal/session"
)

func (o *options) client() *client.Client {
	return client.New(o.apiURL, o.token)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSubmitCmd(opts *options) *cobra.Command {
	var (
		key     string
		owner   string
		kind    string
		payload string
		wait    bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job (safe to repeat with the same --key)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readPayload(payload)
			if err != nil {
				return err
			}
			req := api.SubmitRequest{RequestKey: key, OwnerID: owner, Kind: kind, Payload: body}

			c := opts.client()
			if wait {
				jobID, err := c.SubmitAndWait(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]string{"jobId": jobID})
			}
			resp, err := c.Submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "Idempotency key")
	cmd.Flags().StringVar(&owner, "owner", "", "Owner id (defaults to the token's bound owner)")
	cmd.Flags().StringVar(&kind, "kind", "", "Job kind: "+kindList())
	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON payload, or @file to read it from a file")
	cmd.Flags().BoolVar(&wait, "wait", false, "Poll until the job id is known when told processing")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func readPayload(v string) (json.RawMessage, error) {
	data := []byte(v)
	if path, ok := strings.CutPrefix(v, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		data = b
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func kindList() string {
	names := make([]string, 0, len(session.Kinds))
	for _, k := range session.Kinds {
		names = append(names, string(k))
	}
	return strings.Join(names, ", ")
}

func newSubmissionCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "submission <request-key>",
		Short: "Show the dispatch status of a request key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.client().Submission(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newSessionCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect job sessions",
	}

	get := &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.client().Session(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	}

	var (
		status string
		kind   string
		owner  string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var f session.Filter
			if status != "" {
				st, err := session.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Status = st
			}
			if kind != "" {
				k, err := session.ParseKind(kind)
				if err != nil {
					return err
				}
				f.Kind = k
			}
			f.OwnerID = owner

			list, err := opts.client().Sessions(cmd.Context(), f, limit)
			if err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), list)
		},
	}
	list.Flags().StringVar(&status, "status", "", "Filter by status")
	list.Flags().StringVar(&kind, "kind", "", "Filter by kind")
	list.Flags().StringVar(&owner, "owner", "", "Filter by owner")
	list.Flags().IntVar(&limit, "limit", 0, "Maximum sessions to return")

	var asJSON bool
	inspectCmd := &cobra.Command{
		Use:   "inspect <session-id>",
		Short: "Render a session report with runtime and activity timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.client().Session(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				out, err := inspect.BuildJSONReport(s, time.Now())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), inspect.BuildReport(s, time.Now()))
			return err
		},
	}
	inspectCmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")

	cmd.AddCommand(get, list, inspectCmd)
	return cmd
}

func printSessions(w io.Writer, list []session.JobSession) error {
	if len(list) == 0 {
		_, err := fmt.Fprintln(w, "no sessions")
		return err
	}
	fmt.Fprintf(w, "%-36s  %-14s  %-10s  %4s  %-20s  %s\n", "SESSION", "STATUS", "KIND", "PCT", "LAST HEARTBEAT", "OWNER")
	for _, s := range list {
		beat := "-"
		if s.LastHeartbeatAt != nil {
			beat = s.LastHeartbeatAt.UTC().Format(time.RFC3339)
		}
		if _, err := fmt.Fprintf(w, "%-36s  %-14s  %-10s  %3d%%  %-20s  %s\n",
			s.SessionID, s.Status, s.Kind, s.ProgressPercent, beat, s.OwnerID); err != nil {
			return err
		}
	}
	return nil
}

func newZombiesCmd(opts *options) *cobra.Command {
	var threshold time.Duration
	cmd := &cobra.Command{
		Use:   "zombies",
		Short: "List running sessions with a stale heartbeat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := opts.client().Zombies(cmd.Context(), threshold)
			if err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().DurationVar(&threshold, "threshold", 0, "Stale threshold (server default when unset)")
	return cmd
}

func newForceCloseCmd(opts *options) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "force-close <session-id>",
		Short: "Terminate a session (admin token required)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.client().ForceClose(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the session")
	return cmd
}

func newWatchCmd(opts *options) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live session events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return opts.client().Watch(cmd.Context(), sessionID, func(ev events.Event) {
				fmt.Fprintf(out, "%d  %-24s  %s\n", ev.ID, ev.Type, ev.Data)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Only events for this session")
	return cmd
}
