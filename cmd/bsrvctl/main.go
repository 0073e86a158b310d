// Command bsrvctl is the operator CLI for bsrvd: it talks to the daemon's
// HTTP control surface to list jobs, inspect status, force an immediate
// run, mount/unmount archives, and pause or shut down the daemon.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/alxg/bsrvd/internal/credential"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var addr string

	root := &cobra.Command{
		Use:   "bsrvctl",
		Short: "control a running bsrvd daemon",
	}
	root.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:7420", "bsrvd control address")

	client := func() *apiClient { return &apiClient{base: addr} }

	root.AddCommand(
		newListCmd(client),
		newStatusCmd(client),
		newInfoCmd(client),
		newRunCmd(client),
		newMountCmd(client),
		newUmountCmd(client),
		newPauseCmd(client),
		newUnpauseCmd(client),
		newShutdownCmd(client),
		newCredentialSetCmd(),
	)
	return root
}

// newCredentialSetCmd provisions a "keyring:<account>" reference a job's
// passphrase can point at, reading the secret from stdin so it never shows
// up in a process listing or shell history.
func newCredentialSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "credential-set <account>",
		Short: "store a job passphrase in the OS keyring under <account>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(cmd.OutOrStdout(), "secret: ")
			secret, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil {
				return err
			}
			secret = strings.TrimRight(secret, "\r\n")
			if err := credential.Store(args[0], secret); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored; reference it as keyring:%s\n", args[0])
			return nil
		},
	}
}

type apiClient struct {
	base string
	http http.Client
}

func (c *apiClient) get(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func (c *apiClient) post(path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	resp, err := c.http.Post(c.base+path, "application/json", &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func decodeOrError(resp *http.Response, out any) error {
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type jobSummary struct {
	Name       string `json:"name"`
	ID         string `json:"id"`
	Status     string `json:"status"`
	RetryCount int    `json:"retry_count"`
	MountPath  string `json:"mount_path"`
}

func newListCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list configured jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var jobs []jobSummary
			if err := client().get("/jobs", &jobs); err != nil {
				return err
			}
			printJobTable(jobs)
			return nil
		},
	}
}

func newStatusCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job>",
		Short: "show one job's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var j jobSummary
			if err := client().get("/jobs/"+args[0]+"/status", &j); err != nil {
				return err
			}
			printJobTable([]jobSummary{j})
			return nil
		},
	}
}

type jobInfo struct {
	JobName        string     `json:"job_name"`
	Repo           string     `json:"repo"`
	LastSuccess    *string    `json:"last_success"`
	NextRun        *string    `json:"next_run"`
	RetryCount     int        `json:"retry_count"`
	Archives       []archive  `json:"archives"`
	CacheStats     cacheStats `json:"cache_stats"`
	ScheduleStatus string     `json:"schedule_status"`
	ScheduleDt     *string    `json:"schedule_dt"`
}

type cacheStats struct {
	TotalSize         int64 `json:"total_size"`
	TotalCSize        int64 `json:"total_csize"`
	UniqueCSize       int64 `json:"unique_csize"`
	TotalChunks       int64 `json:"total_chunks"`
	TotalUniqueChunks int64 `json:"total_unique_chunks"`
}

type archive struct {
	Name  string `json:"name"`
	ID    string `json:"id"`
	Start string `json:"start"`
}

func newInfoCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "info <job>",
		Short: "show a job's repository, schedule, and archive list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var info jobInfo
			if err := client().get("/jobs/"+args[0]+"/info", &info); err != nil {
				return err
			}
			printJobInfo(info)
			return nil
		},
	}
}

func printJobInfo(info jobInfo) {
	fmt.Printf("job:          %s\n", info.JobName)
	fmt.Printf("repo:         %s\n", info.Repo)
	fmt.Printf("last success: %s\n", orNone(info.LastSuccess))
	fmt.Printf("next run:     %s\n", orNone(info.NextRun))
	fmt.Printf("retry:        %s\n", retryLabel(info.RetryCount))
	fmt.Printf("schedule:     %s at %s\n", info.ScheduleStatus, orNone(info.ScheduleDt))
	fmt.Println()

	fmt.Printf("original size:      %s\n", prettySize(info.CacheStats.TotalSize))
	fmt.Printf("compressed size:    %s\n", prettySize(info.CacheStats.TotalCSize))
	fmt.Printf("deduplicated size:  %s\n", prettySize(info.CacheStats.UniqueCSize))
	fmt.Printf("total chunks:       %d\n", info.CacheStats.TotalChunks)
	fmt.Printf("unique chunks:      %d\n", info.CacheStats.TotalUniqueChunks)
	fmt.Println()

	headers := []string{"ARCHIVE", "ID", "START"}
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	rows := make([][]string, 0, len(info.Archives))
	for _, a := range info.Archives {
		row := []string{a.Name, a.ID, a.Start}
		rows = append(rows, row)
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}
	printRow(headers, widths, nil)
	for _, row := range rows {
		printRow(row, widths, nil)
	}
}

func orNone(s *string) string {
	if s == nil || *s == "" {
		return "none"
	}
	return *s
}

// prettySize renders a byte count the way the reference tool's pretty_size
// does: one decimal place above KiB, no decimal at KiB or below.
func prettySize(sz int64) string {
	if sz <= 0 {
		return "0 B"
	}
	units := []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB", "EiB", "ZiB", "YiB"}
	idx := 0
	f := float64(sz)
	for f >= 1024 && idx < len(units)-1 {
		f /= 1024
		idx++
	}
	if idx <= 1 {
		return fmt.Sprintf("%d %s", int64(f), units[idx])
	}
	return fmt.Sprintf("%.1f %s", f, units[idx])
}

func newRunCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "run <job>",
		Short: "run a job immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().post("/jobs/"+args[0]+"/run", nil, nil)
		},
	}
}

func newMountCmd(client func() *apiClient) *cobra.Command {
	var archive string
	cmd := &cobra.Command{
		Use:   "mount <job>",
		Short: "mount a job's repository (or one archive)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().post("/jobs/"+args[0]+"/mount", map[string]string{"archive": archive}, nil)
		},
	}
	cmd.Flags().StringVar(&archive, "archive", "", "mount a single archive instead of the whole repository")
	return cmd
}

func newUmountCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "umount <job>",
		Short: "unmount a job's mount directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().post("/jobs/"+args[0]+"/umount", nil, nil)
		},
	}
}

func newPauseCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "pause the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().post("/pause", map[string]bool{"paused": true}, nil)
		},
	}
}

func newUnpauseCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "unpause",
		Short: "resume the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().post("/pause", map[string]bool{"paused": false}, nil)
		},
	}
}

func newShutdownCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "shut down the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().post("/shutdown", nil, nil)
		},
	}
}

// printJobTable renders jobs as an aligned, colorized plain-text table.
// No table-drawing library is present anywhere in the dependency set this
// tool was built from, so this hand-rolls the minimal column alignment it
// needs.
func printJobTable(jobs []jobSummary) {
	headers := []string{"NAME", "STATUS", "RETRY", "MOUNT"}
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{j.Name, j.Status, retryLabel(j.RetryCount), j.MountPath})
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow(headers, widths, nil)
	for _, row := range rows {
		printRow(row, widths, statusColor(row[1]))
	}
}

func printRow(cells []string, widths []int, colorize *color.Color) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = cell + strings.Repeat(" ", widths[i]-len(cell))
	}
	line := strings.Join(parts, "  ")
	if colorize != nil {
		colorize.Println(line)
	} else {
		fmt.Println(line)
	}
}

func statusColor(status string) *color.Color {
	switch status {
	case "running":
		return color.New(color.FgCyan)
	case "wait":
		return color.New(color.FgGreen)
	case "next":
		return color.New(color.FgYellow)
	default:
		return nil
	}
}

func retryLabel(n int) string {
	if n < 0 {
		return "gave_up"
	}
	return fmt.Sprintf("%d", n)
}
