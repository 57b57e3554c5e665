package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/obot-platform/leadqueue/server/internal/version"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	server  string
	apiKey  string
	output  string
	timeout time.Duration
}

func (o *globalOptions) client() *Client {
	return NewClient(o.server, o.apiKey, o.timeout)
}

func (o *globalOptions) printer(cmd *cobra.Command) *printer {
	return &printer{out: cmd.OutOrStdout(), json: o.output == "json"}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:          "queuectl",
		Short:        "Administer lead distribution queues",
		Version:      version.Get(),
		SilenceUsage: true,
		Example: `  # Assign a lead in unit sales-east
  queuectl assign sales-east lead-1042

  # Show the rotation, then move bob to the front
  queuectl rotation show sales-east
  queuectl rotation reorder sales-east bob alice carol

  # Mark alice away for the afternoon
  queuectl absence add --unit sales-east --agent alice --start 2026-03-02T13:00:00Z --end 2026-03-02T18:00:00Z`,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			switch opts.output {
			case "table", "json":
				return nil
			default:
				return fmt.Errorf("invalid output format %q: use table or json", opts.output)
			}
		},
	}

	root.PersistentFlags().StringVar(&opts.server, "server", envOr("LEADQUEUE_URL", "http://localhost:8080"), "Server base URL (env LEADQUEUE_URL)")
	root.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("LEADQUEUE_API_KEY"), "Admin API key (env LEADQUEUE_API_KEY)")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "Output format: table, json")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Request timeout")

	root.AddCommand(
		newAssignCmd(opts),
		newRotationCmd(opts),
		newLogsCmd(opts),
		newLoadCmd(opts),
		newAbsenceCmd(opts),
	)
	return root
}

func newAssignCmd(opts *globalOptions) *cobra.Command {
	var previousOwner string
	cmd := &cobra.Command{
		Use:   "assign UNIT LEAD",
		Short: "Assign a lead to the unit's next eligible agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.client().AssignLead(args[0], args[1], previousOwner)
			if err != nil {
				return err
			}
			return opts.printer(cmd).assignment(a)
		},
	}
	cmd.Flags().StringVar(&previousOwner, "previous-owner", "", "Reassign a lead away from this agent")
	return cmd
}

func newRotationCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotation",
		Short: "Inspect and change a unit's rotation",
	}

	show := &cobra.Command{
		Use:   "show UNIT",
		Short: "Show the active ordering, parked members and cursor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := opts.client().GetRotation(args[0])
			if err != nil {
				return err
			}
			return opts.printer(cmd).rotation(view)
		},
	}

	reorder := &cobra.Command{
		Use:   "reorder UNIT AGENT...",
		Short: "Replace the active ordering; members left out are parked",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := opts.client().Reorder(args[0], args[1:])
			if err != nil {
				return err
			}
			return opts.printer(cmd).rotation(view)
		},
	}

	toggle := &cobra.Command{
		Use:   "toggle UNIT AGENT",
		Short: "Park or reactivate a member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().Toggle(args[0], args[1])
			if err != nil {
				return err
			}
			p := opts.printer(cmd)
			if p.json {
				return p.writeJSON(res)
			}
			state := "parked"
			if res.ActiveInRotation {
				state = "active"
			}
			fmt.Fprintf(p.out, "%s is now %s in %s\n", res.AgentID, state, res.UnitID)
			return nil
		},
	}

	var agents string
	resync := &cobra.Command{
		Use:   "resync UNIT",
		Short: "Reconcile memberships with the agent directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ids []string
			if cmd.Flags().Changed("agents") {
				ids = splitList(agents)
			}
			res, err := opts.client().Resync(args[0], ids)
			if err != nil {
				return err
			}
			p := opts.printer(cmd)
			if p.json {
				return p.writeJSON(res)
			}
			fmt.Fprintf(p.out, "%s: %d added, %d removed\n", res.UnitID, res.Added, res.Removed)
			return nil
		},
	}
	resync.Flags().StringVar(&agents, "agents", "", "Comma-separated member list to use instead of the directory")

	cmd.AddCommand(show, reorder, toggle, resync)
	return cmd
}

func newLogsCmd(opts *globalOptions) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "logs UNIT",
		Short: "Show the unit's distribution log, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := opts.client().Logs(args[0], limit, offset)
			if err != nil {
				return err
			}
			return opts.printer(cmd).logs(page)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Entries per page")
	cmd.Flags().IntVar(&offset, "offset", 0, "Entries to skip")
	return cmd
}

func newLoadCmd(opts *globalOptions) *cobra.Command {
	var window int
	cmd := &cobra.Command{
		Use:   "load UNIT",
		Short: "Show how recent leads were spread across active agents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := opts.client().Load(args[0], window)
			if err != nil {
				return err
			}
			return opts.printer(cmd).load(summary)
		},
	}
	cmd.Flags().IntVar(&window, "window", 100, "Number of recent log entries to consider")
	return cmd
}

func newAbsenceCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "absence",
		Short: "Manage agent absences",
	}

	var in absenceRequest
	var start, end, reason string
	add := &cobra.Command{
		Use:   "add",
		Short: "Record an absence window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if start == "" {
				in.Start = time.Now().UTC()
			} else if in.Start, err = time.Parse(time.RFC3339, start); err != nil {
				return fmt.Errorf("invalid --start: %w", err)
			}
			if end != "" {
				t, err := time.Parse(time.RFC3339, end)
				if err != nil {
					return fmt.Errorf("invalid --end: %w", err)
				}
				in.End = &t
			}
			if reason != "" {
				in.Reason = &reason
			}
			absence, err := opts.client().AddAbsence(in)
			if err != nil {
				return err
			}
			return opts.printer(cmd).absences([]absenceRow{rowFromAbsence(absence)})
		},
	}
	add.Flags().StringVar(&in.UnitID, "unit", "", "Unit id")
	add.Flags().StringVar(&in.AgentID, "agent", "", "Agent id")
	add.Flags().StringVar(&start, "start", "", "Start time, RFC3339 (default now)")
	add.Flags().StringVar(&end, "end", "", "End time, RFC3339 (default open-ended)")
	add.Flags().StringVar(&reason, "reason", "", "Free-form reason")
	_ = add.MarkFlagRequired("unit")
	_ = add.MarkFlagRequired("agent")

	rm := &cobra.Command{
		Use:   "rm ID",
		Short: "Remove an absence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().RemoveAbsence(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "absence %s removed\n", args[0])
			return nil
		},
	}

	var agent string
	ls := &cobra.Command{
		Use:   "ls UNIT",
		Short: "List a unit's absences",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := opts.client().ListAbsences(args[0], agent)
			if err != nil {
				return err
			}
			rows := make([]absenceRow, 0, len(list))
			for i := range list {
				rows = append(rows, rowFromAbsence(&list[i]))
			}
			return opts.printer(cmd).absences(rows)
		},
	}
	ls.Flags().StringVar(&agent, "agent", "", "Only this agent")

	cmd.AddCommand(add, rm, ls)
	return cmd
}

func splitList(s string) []string {
	ids := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			ids = append(ids, part)
		}
	}
	return ids
}
