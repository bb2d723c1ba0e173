package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"southwinds.dev/sealbox/audit"
)

var (
	auditJsonOutput    bool
	auditSince         string
	auditUntil         string
	auditAction        string
	auditSuccessFilter string
	auditKey           string
	auditNamespace     string
	auditLimit         int
	auditOffset        int
	auditKeyManagement bool
	auditFailuresOnly  bool
	auditDetails       bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and analyze audit logs",
	Long: `Query and analyze the audit log of the current tenant.

The engine records one event per storage operation (SET, GET, REMOVE, CLEAR,
ROTATE_*, EXPORT, IMPORT_DATA, MIGRATE, ...) and the CLI records
COMMAND_START / COMMAND_COMPLETE around every command. Only the file audit
backend can be queried.`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit logs with filters",
	Long: `Query audit logs with various filtering options.

Examples:
  # All events for the current tenant
  sealbox audit query

  # Failed events in the last 24 hours
  sealbox audit query --failures-only --since "$(date -d '24 hours ago' -Iseconds)"

  # Salt, rotation and import events
  sealbox audit query --key-management

  # Access to a single key
  sealbox audit query --key db-password`,
	RunE: runAuditQuery,
}

var auditFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Show failed operations",
	RunE:  runAuditFailures,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show audit statistics",
	RunE:  runAuditStats,
}

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditFailuresCmd)
	auditCmd.AddCommand(auditStatsCmd)

	auditCmd.PersistentFlags().BoolVar(&auditJsonOutput, "json", false, "Output in JSON format")
	auditCmd.PersistentFlags().StringVar(&auditSince, "since", "", "Show events since this time (RFC3339 format)")
	auditCmd.PersistentFlags().StringVar(&auditUntil, "until", "", "Show events until this time (RFC3339 format)")
	auditCmd.PersistentFlags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to return")
	auditCmd.PersistentFlags().IntVar(&auditOffset, "offset", 0, "Number of events to skip")
	auditCmd.PersistentFlags().BoolVar(&auditDetails, "details", false, "Show detailed event information")

	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "Filter by specific action")
	auditQueryCmd.Flags().StringVar(&auditSuccessFilter, "success", "", "Filter by success status (true/false)")
	auditQueryCmd.Flags().StringVar(&auditKey, "key", "", "Filter by logical key")
	auditQueryCmd.Flags().StringVar(&auditNamespace, "namespace", "", "Filter by namespace")
	auditQueryCmd.Flags().BoolVar(&auditKeyManagement, "key-management", false, "Show only salt, rotation and import events")
	auditQueryCmd.Flags().BoolVar(&auditFailuresOnly, "failures-only", false, "Show only failed events")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}

	result, err := auditLogger.Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit logs for tenant %s: %w", tenantID, err)
	}

	if auditJsonOutput {
		return printJSON(cmd.OutOrStdout(), result)
	}
	if err = displayAuditEvents(cmd, result.Events); err != nil {
		return err
	}
	if result.HasMore {
		fmt.Fprintln(cmd.OutOrStdout(), hint("%d of %d matching events shown, use --offset to page", len(result.Events), result.Filtered))
	}
	return nil
}

func runAuditFailures(cmd *cobra.Command, args []string) error {
	auditFailuresOnly = true
	return runAuditQuery(cmd, args)
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	// statistics cover every matching event
	options.Limit = 0
	options.Offset = 0

	result, err := auditLogger.Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit logs for tenant %s: %w", tenantID, err)
	}

	stats := calculateAuditStats(result.Events, tenantID)
	if auditJsonOutput {
		return printJSON(cmd.OutOrStdout(), stats)
	}
	return displayAuditStats(cmd, stats)
}

func buildQueryOptions() (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		TenantID:      tenantID,
		Action:        strings.ToUpper(auditAction),
		Key:           auditKey,
		Namespace:     auditNamespace,
		Limit:         auditLimit,
		Offset:        auditOffset,
		KeyManagement: auditKeyManagement,
	}

	if auditSince != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return options, fmt.Errorf("invalid since time format: %w", err)
		}
		options.Since = &parsedTime
	}

	if auditUntil != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return options, fmt.Errorf("invalid until time format: %w", err)
		}
		options.Until = &parsedTime
	}

	if auditSuccessFilter != "" {
		success, err := strconv.ParseBool(auditSuccessFilter)
		if err != nil {
			return options, fmt.Errorf("invalid success filter format: %w", err)
		}
		options.Success = &success
	}

	if auditFailuresOnly {
		falseVal := false
		options.Success = &falseVal
	}

	return options, nil
}

func displayAuditEvents(cmd *cobra.Command, events []audit.Event) error {
	out := cmd.OutOrStdout()
	if len(events) == 0 {
		fmt.Fprintln(out, "No audit events found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	if auditDetails {
		for _, event := range events {
			fmt.Fprintf(w, "Event ID:\t%s\n", event.ID)
			fmt.Fprintf(w, "Timestamp:\t%s\n", event.Timestamp.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(w, "Tenant:\t%s\n", event.TenantID)
			fmt.Fprintf(w, "Action:\t%s\n", event.Action)
			fmt.Fprintf(w, "Status:\t%s\n", eventStatus(event))

			if event.RequestID != "" {
				fmt.Fprintf(w, "Request ID:\t%s\n", event.RequestID)
			}
			if event.Error != "" {
				fmt.Fprintf(w, "Error:\t%s\n", event.Error)
			}
			if event.Key != "" {
				fmt.Fprintf(w, "Key:\t%s\n", event.Key)
			}
			if event.Namespace != "" {
				fmt.Fprintf(w, "Namespace:\t%s\n", event.Namespace)
			}
			if event.Command != "" {
				fmt.Fprintf(w, "Command:\t%s\n", event.Command)
			}
			if event.Duration > 0 {
				fmt.Fprintf(w, "Duration:\t%dms\n", event.Duration)
			}

			if len(event.Metadata) > 0 {
				keys := make([]string, 0, len(event.Metadata))
				for k := range event.Metadata {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Fprintf(w, "Metadata:\t")
				for _, k := range keys {
					fmt.Fprintf(w, "%s=%v ", k, event.Metadata[k])
				}
				fmt.Fprintf(w, "\n")
			}

			fmt.Fprintf(w, "────────────────────────────────────────\n")
		}
		return w.Flush()
	}

	fmt.Fprintf(w, "TIMESTAMP\tACTION\tSTATUS\tKEY\tERROR\n")
	for _, event := range events {
		key := event.Key
		if key == "" {
			key = event.Command
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			event.Timestamp.Format("2006-01-02 15:04:05"),
			event.Action,
			eventStatus(event),
			truncate(key, 24),
			truncate(event.Error, 30))
	}
	return w.Flush()
}

func eventStatus(event audit.Event) string {
	if event.Success {
		return "SUCCESS"
	}
	return "FAILED"
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// AuditStats summarizes a set of audit events
type AuditStats struct {
	TenantID         string         `json:"tenant_id"`
	GeneratedAt      time.Time      `json:"generated_at"`
	TimeRange        string         `json:"time_range"`
	TotalEvents      int            `json:"total_events"`
	SuccessfulEvents int            `json:"successful_events"`
	FailedEvents     int            `json:"failed_events"`
	SuccessRate      float64        `json:"success_rate"`
	ActionBreakdown  map[string]int `json:"action_breakdown"`
	TopFailedActions []ActionCount  `json:"top_failed_actions"`
	TopKeys          []ActionCount  `json:"top_keys"`
	FirstEvent       *time.Time     `json:"first_event,omitempty"`
	LastEvent        *time.Time     `json:"last_event,omitempty"`
	KeyOperations    int            `json:"key_operations"`
	DataOperations   int            `json:"data_operations"`
	CommandEvents    int            `json:"command_events"`
}

type ActionCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func calculateAuditStats(events []audit.Event, tenantID string) AuditStats {
	stats := AuditStats{
		TenantID:        tenantID,
		GeneratedAt:     time.Now().UTC(),
		ActionBreakdown: make(map[string]int),
	}

	if len(events) == 0 {
		return stats
	}

	stats.TotalEvents = len(events)
	failedActions := make(map[string]int)
	keyCounts := make(map[string]int)

	for i := range events {
		event := &events[i]
		if event.Success {
			stats.SuccessfulEvents++
		} else {
			stats.FailedEvents++
			failedActions[event.Action]++
		}
		stats.ActionBreakdown[event.Action]++

		if event.Key != "" {
			keyCounts[event.Key]++
		}

		switch {
		case strings.HasPrefix(event.Action, "COMMAND_"):
			stats.CommandEvents++
		case isKeyManagementAction(event.Action):
			stats.KeyOperations++
		default:
			stats.DataOperations++
		}

		if stats.FirstEvent == nil || event.Timestamp.Before(*stats.FirstEvent) {
			stats.FirstEvent = &event.Timestamp
		}
		if stats.LastEvent == nil || event.Timestamp.After(*stats.LastEvent) {
			stats.LastEvent = &event.Timestamp
		}
	}

	stats.SuccessRate = float64(stats.SuccessfulEvents) / float64(stats.TotalEvents) * 100
	stats.TopFailedActions = topCounts(failedActions, 5)
	stats.TopKeys = topCounts(keyCounts, 10)

	if stats.FirstEvent != nil && stats.LastEvent != nil {
		duration := stats.LastEvent.Sub(*stats.FirstEvent)
		stats.TimeRange = fmt.Sprintf("%s (%.1f hours)", duration.String(), duration.Hours())
	}

	return stats
}

func displayAuditStats(cmd *cobra.Command, stats AuditStats) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Audit Statistics for Tenant: %s\n", stats.TenantID)
	fmt.Fprintf(out, "Generated at: %s\n", stats.GeneratedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "═══════════════════════════════════════\n\n")

	fmt.Fprintf(out, "SUMMARY\n")
	fmt.Fprintf(out, "───────\n")
	fmt.Fprintf(out, "Total Events: %d\n", stats.TotalEvents)
	if stats.TotalEvents > 0 {
		fmt.Fprintf(out, "Successful: %d (%.1f%%)\n", stats.SuccessfulEvents, stats.SuccessRate)
		fmt.Fprintf(out, "Failed: %d (%.1f%%)\n", stats.FailedEvents, 100-stats.SuccessRate)
	}
	if stats.TimeRange != "" {
		fmt.Fprintf(out, "Time Range: %s\n", stats.TimeRange)
	}

	fmt.Fprintf(out, "\nOPERATION BREAKDOWN\n")
	fmt.Fprintf(out, "──────────────────\n")
	fmt.Fprintf(out, "Data Operations: %d\n", stats.DataOperations)
	fmt.Fprintf(out, "Key Operations: %d\n", stats.KeyOperations)
	fmt.Fprintf(out, "Command Events: %d\n", stats.CommandEvents)

	if len(stats.ActionBreakdown) > 0 {
		fmt.Fprintf(out, "\nTOP ACTIONS\n")
		fmt.Fprintf(out, "───────────\n")
		for _, action := range topCounts(stats.ActionBreakdown, 10) {
			fmt.Fprintf(out, "  %s: %d\n", action.Name, action.Count)
		}
	}

	if len(stats.TopFailedActions) > 0 {
		fmt.Fprintf(out, "\nTOP FAILED ACTIONS\n")
		fmt.Fprintf(out, "─────────────────\n")
		for _, action := range stats.TopFailedActions {
			fmt.Fprintf(out, "  %s: %d failures\n", action.Name, action.Count)
		}
	}

	if len(stats.TopKeys) > 0 {
		fmt.Fprintf(out, "\nMOST ACCESSED KEYS\n")
		fmt.Fprintf(out, "─────────────────\n")
		for _, key := range stats.TopKeys {
			fmt.Fprintf(out, "  %s: %d\n", truncate(key.Name, 30), key.Count)
		}
	}

	return nil
}

// topCounts returns up to limit entries ordered by count, then name
func topCounts(counts map[string]int, limit int) []ActionCount {
	result := make([]ActionCount, 0, len(counts))
	for name, count := range counts {
		result = append(result, ActionCount{Name: name, Count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Name < result[j].Name
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result
}

func isKeyManagementAction(action string) bool {
	action = strings.ToUpper(action)
	for _, prefix := range []string{"ROTATE_", "KEY_", "SALT_", "IMPORT_"} {
		if strings.HasPrefix(action, prefix) {
			return true
		}
	}
	return false
}
