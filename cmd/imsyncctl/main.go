package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/imsync/internal/api"
	"github.com/matheus3301/imsync/internal/session"
)

var (
	sessionFlag string
	jsonOutput  bool
	timeout     time.Duration

	client *api.Client
)

var rootCmd = &cobra.Command{
	Use:           "imsyncctl",
	Short:         "Control a running imsyncd",
	Long:          "Command-line interface for an imsync daemon.\nQueue writes, flush the outbox, pull the change stream and watch notifications.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Annotations[localCommand] != "" {
			return nil
		}
		name, err := session.Resolve(sessionFlag)
		if err != nil {
			return err
		}
		if err := session.ValidateName(name); err != nil {
			return err
		}
		c, err := api.Dial(session.SocketPath(name))
		if err != nil {
			return fmt.Errorf("cannot connect to daemon for session %q: %w", name, err)
		}
		client = c
		return nil
	},
	PersistentPostRunE: func(*cobra.Command, []string) error {
		if client != nil {
			return client.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&sessionFlag, "session", "", "session name (overrides $IMSYNC_SESSION and config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

// printResult writes resp as indented JSON, or calls human when --json is
// not set.
func printResult(cmd *cobra.Command, resp *structpb.Struct, human func(map[string]any)) error {
	if jsonOutput || human == nil {
		raw, err := api.FromStruct(resp)
		if err != nil {
			return err
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human(resp.AsMap())
	return nil
}
