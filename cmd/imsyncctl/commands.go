package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

var (
	sendType   string
	sendParent string
	getQuery   []string
	watchNS    string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		resp, err := client.Status(ctx)
		if err != nil {
			return err
		}
		return printResult(cmd, resp, func(m map[string]any) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session:    %v\n", m["session"])
			fmt.Fprintf(out, "Online:     %v\n", m["online"])
			fmt.Fprintf(out, "Realtime:   %v\n", valueOr(m["realtime"], "disabled"))
			fmt.Fprintf(out, "Sync:       %v (continuous: %v)\n", m["syncState"], m["continuous"])
			fmt.Fprintf(out, "Cursor:     %v\n", valueOr(m["cursor"], "0"))
			fmt.Fprintf(out, "Outbox:     %v pending\n", m["outboxSize"])
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a message (queued while offline)",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		body := map[string]any{
			"content": strings.Join(args[1:], " "),
			"type":    sendType,
		}
		if sendParent != "" {
			body["parentId"] = sendParent
		}
		resp, err := client.Dispatch(ctx, "POST", "/api/im/messages/"+args[0], body, nil)
		if err != nil {
			return err
		}
		return printResult(cmd, resp, func(m map[string]any) {
			if ok, _ := m["ok"].(bool); !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "Rejected: %v\n", m["error"])
				return
			}
			data, _ := m["data"].(map[string]any)
			msg, _ := data["message"].(map[string]any)
			fmt.Fprintf(cmd.OutOrStdout(), "Message %v: %v\n", msg["id"], valueOr(msg["status"], "sent"))
		})
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Deliver queued writes now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		resp, err := client.Flush(ctx)
		if err != nil {
			return err
		}
		return printResult(cmd, resp, func(m map[string]any) {
			if skipped, _ := m["skipped"].(bool); skipped {
				fmt.Fprintln(cmd.OutOrStdout(), "Skipped (offline or already flushing)")
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Confirmed: %v  Retried: %v  Failed: %v\n", m["confirmed"], m["retried"], m["failed"])
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull the change stream",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		resp, err := client.Sync(ctx)
		if err != nil {
			return err
		}
		return printResult(cmd, resp, func(m map[string]any) {
			if skipped, _ := m["skipped"].(bool); skipped {
				fmt.Fprintln(cmd.OutOrStdout(), "Skipped (offline or already syncing)")
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Events: %v  Pages: %v  Cursor: %v\n", m["events"], m["pages"], m["cursor"])
		})
	},
}

func onlineCmd(use string, online bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("Tell the daemon the network is %s", use),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			resp, err := client.SetOnline(ctx, online)
			if err != nil {
				return err
			}
			return printResult(cmd, resp, func(m map[string]any) {
				fmt.Fprintf(cmd.OutOrStdout(), "Online: %v  Outbox: %v pending\n", m["online"], m["outboxSize"])
			})
		},
	}
}

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Read through the daemon's cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		query := make(map[string]string, len(getQuery))
		for _, kv := range getQuery {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("query %q must be key=value", kv)
			}
			query[k] = v
		}
		resp, err := client.Dispatch(ctx, "GET", args[0], nil, query)
		if err != nil {
			return err
		}
		return printResult(cmd, resp, nil)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream notifications until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		stream, err := client.WatchEvents(cmd.Context(), watchNS)
		if err != nil {
			return err
		}
		for {
			evt, err := stream.Recv()
			if errors.Is(err, io.EOF) || grpcstatus.Code(err) == codes.Canceled {
				return nil
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				if err := printResult(cmd, evt, nil); err != nil {
					return err
				}
				continue
			}
			m := evt.AsMap()
			at := time.UnixMilli(int64(evt.GetFields()["occurredAtUnixMs"].GetNumberValue()))
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-24v %v\n", at.Format(time.TimeOnly), m["kind"], valueOr(m["payload"], ""))
		}
	},
}

func valueOr(v any, fallback string) any {
	if v == nil || v == "" {
		return fallback
	}
	return v
}

func init() {
	sendCmd.Flags().StringVar(&sendType, "type", "text", "message type")
	sendCmd.Flags().StringVar(&sendParent, "parent", "", "parent message id for replies")
	getCmd.Flags().StringArrayVarP(&getQuery, "query", "q", nil, "query parameter key=value (repeatable)")
	watchCmd.Flags().StringVar(&watchNS, "namespace", "", "only stream kinds with this prefix (e.g. sync.)")

	rootCmd.AddCommand(statusCmd, sendCmd, flushCmd, syncCmd, onlineCmd("online", true), onlineCmd("offline", false), getCmd, watchCmd)
}
