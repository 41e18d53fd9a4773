package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/zanzrukiav/SearchServices/internal/admin"
	"github.com/zanzrukiav/SearchServices/internal/engine"
	"github.com/zanzrukiav/SearchServices/internal/models"
	"github.com/zanzrukiav/SearchServices/internal/tracker"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tracker states of a running engine",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		report, err := adminClient().Status(context.Background())
		if err != nil {
			exitError("%v", err)
		}
		printStatus(os.Stdout, report)
	},
}

var floorsCmd = &cobra.Command{
	Use:   "floors",
	Short: "Show the last applied id of every tracker",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		floors, err := adminClient().Floors(context.Background())
		if err != nil {
			exitError("%v", err)
		}
		printFloors(os.Stdout, floors)
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Stop scheduling tracker cycles",
	Long:  `Stop scheduling tracker cycles. Running cycles finish; "run" still works.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := adminClient().Pause(context.Background()); err != nil {
			exitError("%v", err)
		}
		color.New(color.FgYellow).Println("Tracking paused")
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume scheduling tracker cycles",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := adminClient().Resume(context.Background()); err != nil {
			exitError("%v", err)
		}
		color.New(color.FgGreen).Println("Tracking resumed")
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex [tracker]",
	Short: "Force a full reindex",
	Long: `Reset the floor of one tracker, or of every tracker when none is named,
so that its next cycle reapplies everything from the beginning.

Examples:
  search-tracker reindex
  search-tracker reindex acl`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: trackerNames(),
	Run: func(cmd *cobra.Command, args []string) {
		typ := ""
		if len(args) == 1 {
			typ = args[0]
		}
		if err := adminClient().Reindex(context.Background(), typ); err != nil {
			exitError("%v", err)
		}
		if typ == "" {
			typ = "all"
		}
		color.New(color.FgGreen).Printf("State invalidated (%s); reindex starts on the next cycle\n", typ)
	},
}

var runCmd = &cobra.Command{
	Use:       "run <tracker>",
	Short:     "Run one tracker cycle now and wait for it",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: trackerNames(),
	Run: func(cmd *cobra.Command, args []string) {
		start := time.Now()
		if err := adminClient().Run(context.Background(), args[0]); err != nil {
			exitError("%v", err)
		}
		color.New(color.FgGreen).Printf("%s cycle completed in %s\n", args[0], time.Since(start).Round(time.Millisecond))
	},
}

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance <action> <id>",
	Short: "Queue a maintenance request",
	Long: `Queue a maintenance request. It runs at the start of the owning
tracker's next cycle.

Actions:
  reindex-txn            reapply every node of a transaction
  reindex-node           reindex one node from its current metadata
  purge-node             remove one node from the index
  reindex-acl-changeset  reapply the ACLs of a change set`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		if _, err := tracker.ParseAction(args[0]); err != nil {
			exitError("%v", err)
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || id <= 0 {
			exitError("id must be a positive integer: %q", args[1])
		}
		if err := adminClient().Maintain(context.Background(), args[0], id); err != nil {
			exitError("%v", err)
		}
		fmt.Printf("Queued %s %d\n", args[0], id)
	},
}

func trackerNames() []string {
	names := make([]string, len(models.AllTrackerTypes))
	for i, t := range models.AllTrackerTypes {
		names[i] = string(t)
	}
	return names
}

func printStatus(w io.Writer, r *engine.Report) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	fmt.Fprintf(w, "Core: %s\n", r.Core)
	switch {
	case r.Shutdown:
		red.Fprintln(w, "Engine is shutting down")
	case r.Paused:
		yellow.Fprintln(w, "Scheduling paused")
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-10s  %-14s  %12s  %8s  %8s  %s\n", "Tracker", "State", "Floor", "Queued", "Cycles", "Last error")
	for _, s := range r.Trackers {
		state := fmt.Sprintf("%-14s", s.State)
		switch s.State {
		case tracker.StateIdle:
			state = green.Sprint(state)
		case tracker.StateFailed:
			state = red.Sprint(state)
		default:
			state = yellow.Sprint(state)
		}
		fmt.Fprintf(w, "  %-10s  %s  %12d  %8d  %8d  %s\n", s.Type, state, s.Floor, s.InFlight, s.Cycles, s.LastError)
	}

	for _, s := range r.Trackers {
		if s.Deferred > 0 || s.Stuck > 0 {
			fmt.Fprintf(w, "\n%s: %d nodes waiting for ACLs", s.Type, s.Deferred)
			if s.Stuck > 0 {
				red.Fprintf(w, ", %d stuck", s.Stuck)
			}
			fmt.Fprintln(w)
		}
		if s.Maintenance > 0 {
			fmt.Fprintf(w, "\n%s: %d maintenance requests queued\n", s.Type, s.Maintenance)
		}
		if len(s.Rejected) > 0 {
			red.Fprintf(w, "\nRejected models: %s\n", strings.Join(s.Rejected, ", "))
		}
	}
}

func printFloors(w io.Writer, f *admin.FloorsResponse) {
	fmt.Fprintf(w, "Core: %s\n\n", f.Core)
	if len(f.Floors) == 0 {
		fmt.Fprintln(w, "No floors recorded yet")
		return
	}
	for _, fl := range f.Floors {
		fmt.Fprintf(w, "  %-10s  %d\n", fl.Type, fl.LastAppliedID)
	}
}
