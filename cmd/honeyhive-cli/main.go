package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/api"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
)

var (
	apiURL   string
	apiToken string
	client   *api.Client
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "honeyhive-cli",
		Short: "honeyhive CLI - manage decoy instances",
		Long: `honeyhive-cli talks to a running honeyhive daemon.
Create configurations, start and stop instances, and read what attackers did.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			client = api.NewClient(apiURL, apiToken, "")
		},
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", envOr("HONEYHIVE_API", "http://127.0.0.1:5601"), "daemon API address")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("HONEYHIVE_API_TOKEN"), "API token")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage instance configurations",
	}
	saveCmd := &cobra.Command{Use: "save [file]", Short: "Create or replace a config from a JSON file (- for stdin)", Args: cobra.ExactArgs(1), RunE: saveConfig}
	configCmd.AddCommand(
		&cobra.Command{Use: "list", Short: "List configurations", RunE: listConfigs},
		&cobra.Command{Use: "show [id]", Short: "Show one configuration as JSON", Args: cobra.ExactArgs(1), RunE: showConfig},
		&cobra.Command{Use: "new", Short: "Create a configuration interactively", RunE: newConfig},
		saveCmd,
		&cobra.Command{Use: "delete [id]", Short: "Stop an instance and delete its config and logs", Args: cobra.ExactArgs(1), RunE: deleteConfig},
	)

	logsCmd := &cobra.Command{Use: "logs [id]", Short: "Show the tail of an instance log", Args: cobra.ExactArgs(1), RunE: showLogs}
	logsCmd.Flags().IntP("lines", "n", 100, "number of lines")
	downloadCmd := &cobra.Command{Use: "download [id]", Short: "Download the full instance log", Args: cobra.ExactArgs(1), RunE: download}
	downloadCmd.Flags().StringP("output", "o", "", "output file (default <id>_logs.txt, - for stdout)")
	eventsCmd := &cobra.Command{Use: "events [id]", Short: "Show recent indexed events", Args: cobra.ExactArgs(1), RunE: showEvents}
	eventsCmd.Flags().IntP("limit", "l", 50, "number of events")

	rootCmd.AddCommand(
		&cobra.Command{Use: "types", Short: "List supported honeypot types", RunE: listTypes},
		configCmd,
		&cobra.Command{Use: "start [id]", Short: "Start an instance", Args: cobra.ExactArgs(1), RunE: start},
		&cobra.Command{Use: "stop [id]", Short: "Stop an instance", Args: cobra.ExactArgs(1), RunE: stop},
		&cobra.Command{Use: "status", Short: "Show configured and running instances", RunE: status},
		logsCmd,
		downloadCmd,
		eventsCmd,
		&cobra.Command{Use: "stats [id]", Short: "Summarise indexed events of an instance", Args: cobra.ExactArgs(1), RunE: stats},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

// ============== TYPES ==============

func listTypes(cmd *cobra.Command, args []string) error {
	types, err := client.Types()
	if err != nil {
		return err
	}
	w := newTable()
	fmt.Fprintln(w, "ID\tNAME\tCATEGORY\tPORT\tMAX CONN\tFIELDS")
	for _, t := range types {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", t.ID, t.Name, t.Category, t.DefaultPort, t.DefaultMaxConnections, strings.Join(t.ConfigurableFields, ","))
	}
	w.Flush()
	return nil
}

// ============== CONFIG COMMANDS ==============

func listConfigs(cmd *cobra.Command, args []string) error {
	st, err := client.Status()
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(st.Configs))
	for id := range st.Configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := newTable()
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tPORT\tSTATE\tCREATED")
	for _, id := range ids {
		c := st.Configs[id]
		state := "stopped"
		if _, ok := st.RunningDetails[id]; ok {
			state = "running"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", id, c.Name, c.Type, c.Port, state, c.CreatedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()
	fmt.Printf("\nTotal: %d configurations\n", len(ids))
	return nil
}

func showConfig(cmd *cobra.Command, args []string) error {
	cfg, err := client.GetConfig(args[0])
	if err != nil {
		return err
	}
	return printJSON(cfg)
}

func saveConfig(cmd *cobra.Command, args []string) error {
	var r io.Reader = os.Stdin
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	var cfg honeypot.Config
	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return fmt.Errorf("invalid config JSON: %w", err)
	}
	id, err := client.SaveConfig(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("Saved %s\n", id)
	return nil
}

func deleteConfig(cmd *cobra.Command, args []string) error {
	if err := client.DeleteConfig(args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted %s\n", args[0])
	return nil
}

// ============== INSTANCE COMMANDS ==============

func start(cmd *cobra.Command, args []string) error {
	ri, err := client.Start(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Started %s on %s (handle %s)\n", ri.ID, ri.Addr, ri.Handle)
	return nil
}

func stop(cmd *cobra.Command, args []string) error {
	if err := client.Stop(args[0]); err != nil {
		return err
	}
	fmt.Printf("Stopped %s\n", args[0])
	return nil
}

func status(cmd *cobra.Command, args []string) error {
	st, err := client.Status()
	if err != nil {
		return err
	}
	fmt.Printf(`
Honeypot Status
===============
Configured:   %d
Running:      %d
`, st.Total, st.Running)
	if st.Running == 0 {
		return nil
	}

	ids := make([]string, 0, len(st.RunningDetails))
	for id := range st.RunningDetails {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Println()
	w := newTable()
	fmt.Fprintln(w, "ID\tTYPE\tADDRESS\tUPTIME\tHANDLE")
	for _, id := range ids {
		ri := st.RunningDetails[id]
		uptime := time.Since(ri.StartedAt).Truncate(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", id, ri.Config.Type, ri.Addr, uptime, ri.Handle)
	}
	w.Flush()
	return nil
}

func showLogs(cmd *cobra.Command, args []string) error {
	n, _ := cmd.Flags().GetInt("lines")
	lines, err := client.Logs(args[0], n)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		fmt.Println("No log entries yet")
		return nil
	}
	for _, l := range lines {
		fmt.Println(l)
	}
	return nil
}

func download(cmd *cobra.Command, args []string) error {
	out, _ := cmd.Flags().GetString("output")
	if out == "" {
		out = args[0] + "_logs.txt"
	}
	if out == "-" {
		_, err := client.Download(args[0], os.Stdout)
		return err
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	n, err := client.Download(args[0], f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(out)
		return err
	}
	fmt.Printf("Wrote %d bytes to %s\n", n, out)
	return nil
}

func showEvents(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	events, err := client.Events(args[0], limit)
	if err != nil {
		return err
	}
	w := newTable()
	fmt.Fprintln(w, "TIME\tCATEGORY\tREMOTE\tTAG\tMESSAGE")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Category, ev.RemoteAddr, ev.Tag, truncate(ev.Message, 80))
	}
	w.Flush()
	fmt.Printf("\nTotal: %d events\n", len(events))
	return nil
}

func stats(cmd *cobra.Command, args []string) error {
	s, err := client.Stats(args[0])
	if err != nil {
		return err
	}
	last := "never"
	if s.LastSeen != nil {
		last = s.LastSeen.Format("2006-01-02 15:04:05")
	}
	fmt.Printf(`
Event Statistics for %s
=======================
Total Events:      %d
Unique Remotes:    %d
Last Seen:         %s
`, args[0], s.Total, s.UniqueRemotes, last)

	w := newTable()
	fmt.Fprintln(w, "\nCATEGORY\tCOUNT")
	for _, k := range sortedKeys(s.ByCategory) {
		fmt.Fprintf(w, "%s\t%d\n", k, s.ByCategory[k])
	}
	if len(s.ByTag) > 0 {
		fmt.Fprintln(w, "\nTAG\tCOUNT")
		for _, k := range sortedKeys(s.ByTag) {
			fmt.Fprintf(w, "%s\t%d\n", k, s.ByTag[k])
		}
	}
	w.Flush()
	return nil
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, n int) string {
	s = strconv.Quote(s)
	s = s[1 : len(s)-1]
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
