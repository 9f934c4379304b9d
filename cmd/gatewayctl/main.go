// Command gatewayctl inspects a gateway registry database: which
// devices are enrolled, their declared capabilities, ban status, and
// per-reason drop counters.
//
// Adapted from cmd/agsys-db/main.go's cobra + text/tabwriter inspection
// style, rescoped from that tool's full property/zone/schedule schema
// down to the single devices table this domain's registry keeps.
package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rustythermostat/sensor-gateway/internal/registry"
)

var dbPath string

var rootCmd = &cobra.Command{
	Use:   "gatewayctl",
	Short: "Inspect a gateway registry database",
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List enrolled devices",
	RunE:  runDevices,
}

var bannedCmd = &cobra.Command{
	Use:   "banned",
	Short: "List only banned devices",
	RunE:  runBanned,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "gateway.db", "path to the registry SQLite database")
	rootCmd.AddCommand(devicesCmd, bannedCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDevices(cmd *cobra.Command, args []string) error {
	return listDevices(func(registry.DeviceRecord) bool { return true })
}

func runBanned(cmd *cobra.Command, args []string) error {
	return listDevices(func(rec registry.DeviceRecord) bool { return rec.Banned })
}

func listDevices(include func(registry.DeviceRecord) bool) error {
	reg, err := registry.OpenSQLite(dbPath)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer reg.Close()

	records, err := reg.List()
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "DEVICE ID\tBANNED\tHUMIDITY\tTEMP_C\tTEMP_F\tPRESENCE\tTHRESHOLD\tACCEPTED\tDROPPED\tLAST SEEN")
	for _, rec := range records {
		if !include(rec) {
			continue
		}
		lastSeen := "-"
		if !rec.LastSeenAt.IsZero() {
			lastSeen = rec.LastSeenAt.Format("2006-01-02 15:04:05")
		}
		dropped := "-"
		if len(rec.Counters.Dropped) > 0 {
			reasons := make([]string, 0, len(rec.Counters.Dropped))
			for reason, n := range rec.Counters.Dropped {
				reasons = append(reasons, fmt.Sprintf("%s=%d", reason, n))
			}
			sort.Strings(reasons)
			dropped = strings.Join(reasons, ",")
		}
		fmt.Fprintf(w, "%s\t%v\t%v\t%v\t%v\t%v\t%v\t%d\t%s\t%s\n",
			rec.ID, rec.Banned,
			rec.Capabilities.Humidity, rec.Capabilities.TempC, rec.Capabilities.TempF,
			rec.Capabilities.Presence, rec.Capabilities.Threshold,
			rec.Counters.Accepted, dropped, lastSeen)
	}
	return nil
}
