package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/tinyflake/git-server/internal/config"
	"github.com/tinyflake/git-server/internal/oplog"
)

func newOplogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "oplog",
		Short: "Inspect the git operation log",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded git operations, newest first",
		RunE:  runOplogList,
	}
	list.Flags().String("repo", "", "Only show operations on this repository")
	list.Flags().String("user", "", "Only show operations by this user")
	list.Flags().String("operation", "", "Only show push or clone operations")
	list.Flags().Duration("since", 0, "Only show operations newer than this (e.g. 24h)")
	list.Flags().Int("limit", 50, "Maximum number of operations to show (0 for all)")
	list.Flags().String("format", "table", "Output format (table or json)")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Summarize recorded git operations",
		RunE:  runOplogStats,
	}
	stats.Flags().String("format", "table", "Output format (table or json)")

	cmd.AddCommand(list, stats)
	return cmd
}

func openOplog(cmd *cobra.Command) (oplog.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.OperationLog == nil || cfg.OperationLog.GetBackend() == config.OperationLogBackendNone {
		return nil, errors.New("no operation log is configured")
	}
	return oplog.OpenStore(cmd.Context(), cfg.OperationLog)
}

func filterFromFlags(cmd *cobra.Command) (oplog.Filter, error) {
	flags := cmd.Flags()
	var filter oplog.Filter
	var err error

	if filter.Repository, err = flags.GetString("repo"); err != nil {
		return filter, err
	}
	if filter.User, err = flags.GetString("user"); err != nil {
		return filter, err
	}
	op, err := flags.GetString("operation")
	if err != nil {
		return filter, err
	}
	switch oplog.Operation(op) {
	case "", oplog.OperationPush, oplog.OperationClone, oplog.OperationUnknown:
		filter.Operation = oplog.Operation(op)
	default:
		return filter, fmt.Errorf("unknown operation %q (expected push or clone)", op)
	}
	since, err := flags.GetDuration("since")
	if err != nil {
		return filter, err
	}
	if since > 0 {
		filter.Since = time.Now().Add(-since)
	}
	if filter.Limit, err = flags.GetInt("limit"); err != nil {
		return filter, err
	}
	return filter, nil
}

func runOplogList(cmd *cobra.Command, _ []string) error {
	filter, err := filterFromFlags(cmd)
	if err != nil {
		return err
	}
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return err
	}

	store, err := openOplog(cmd)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	records, err := store.List(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("failed to list operations: %w", err)
	}

	if format == "json" {
		return writeJSON(cmd.OutOrStdout(), records)
	}
	return writeRecordTable(cmd.OutOrStdout(), records)
}

func runOplogStats(cmd *cobra.Command, _ []string) error {
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return err
	}

	store, err := openOplog(cmd)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	records, err := store.List(cmd.Context(), oplog.Filter{})
	if err != nil {
		return fmt.Errorf("failed to list operations: %w", err)
	}
	stats := oplog.ComputeStats(records)

	if format == "json" {
		return writeJSON(cmd.OutOrStdout(), stats)
	}
	return writeStatsTable(cmd.OutOrStdout(), stats)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeRecordTable(w io.Writer, records []oplog.Record) error {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"Time", "Operation", "Repository", "User", "Client", "Result", "Duration", "In", "Out"})

	data := make([][]string, 0, len(records))
	for _, rec := range records {
		result := "ok"
		if !rec.Success {
			result = "failed"
			if rec.Error != "" {
				result = "failed: " + truncate(rec.Error, 40)
			}
		}
		data = append(data, []string{
			rec.Timestamp.Local().Format(time.DateTime),
			string(rec.Operation),
			rec.Repository,
			rec.User,
			rec.ClientIP,
			result,
			rec.Duration().String(),
			strconv.FormatInt(rec.BytesIn, 10),
			strconv.FormatInt(rec.BytesOut, 10),
		})
	}

	if err := table.Bulk(data); err != nil {
		return err
	}
	return table.Render()
}

func writeStatsTable(w io.Writer, stats oplog.Stats) error {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"Metric", "Value"})

	last := "never"
	if !stats.LastActivity.IsZero() {
		last = stats.LastActivity.Local().Format(time.DateTime)
	}
	data := [][]string{
		{"Total operations", strconv.Itoa(stats.Total)},
		{"Successful", strconv.Itoa(stats.Successful)},
		{"Failed", strconv.Itoa(stats.Failed)},
		{"Pushes", strconv.Itoa(stats.Pushes)},
		{"Clones", strconv.Itoa(stats.Clones)},
		{"Unique users", strconv.Itoa(stats.UniqueUsers)},
		{"Unique repositories", strconv.Itoa(stats.UniqueRepositories)},
		{"Last activity", last},
	}

	if err := table.Bulk(data); err != nil {
		return err
	}
	return table.Render()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
