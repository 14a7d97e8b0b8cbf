package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/imsync/internal/lock"
	"github.com/matheus3301/imsync/internal/session"
)

// localCommand marks commands that run without a daemon connection.
const localCommand = "local"

type sessionInfo struct {
	Name    string    `json:"name"`
	Current bool      `json:"current"`
	Running bool      `json:"running"`
	PID     int       `json:"pid,omitempty"`
	Since   time.Time `json:"since,omitzero"`
}

var sessionsCmd = &cobra.Command{
	Use:         "sessions",
	Short:       "List sessions and whether a daemon is running for each",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{localCommand: "true"},
	RunE: func(cmd *cobra.Command, _ []string) error {
		current, err := session.Resolve(sessionFlag)
		if err != nil {
			return err
		}
		names, err := session.List()
		if err != nil {
			return err
		}

		infos := make([]sessionInfo, 0, len(names))
		for _, name := range names {
			info := sessionInfo{Name: name, Current: name == current}
			dir := session.Dir(name)
			if lock.Held(dir) {
				info.Running = true
				if owner, err := lock.Read(dir); err == nil {
					info.PID, info.Since = owner.PID, owner.Since
				}
			}
			infos = append(infos, info)
		}

		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(infos)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "\tSESSION\tSTATE\tSINCE")
		for _, info := range infos {
			mark, state, since := "", "stopped", "-"
			if info.Current {
				mark = "*"
			}
			if info.Running {
				state = fmt.Sprintf("running (pid %d)", info.PID)
				if !info.Since.IsZero() {
					since = info.Since.Local().Format(time.DateTime)
				}
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", mark, info.Name, state, since)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}
