// Package cli provides the client subcommands of slopesync.
package cli

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/slopeside/slopeside/internal/offline"
)

// EnvAPIToken holds the bearer token the client sends to the local API.
const EnvAPIToken = "SLOPESIDE_API_TOKEN"

// QueueCLI handles the client subcommands of slopesync against a running
// daemon.
type QueueCLI struct {
	apiURL     string
	token      string
	httpClient *http.Client
	out        io.Writer
	errOut     io.Writer
	now        func() time.Time
}

// NewQueueCLI creates a new queue CLI handler.
func NewQueueCLI(apiURL string) *QueueCLI {
	return NewQueueCLIWithClient(apiURL, &http.Client{Timeout: 60 * time.Second})
}

// NewQueueCLIWithClient creates a QueueCLI with a custom HTTP client (for testing).
func NewQueueCLIWithClient(apiURL string, client *http.Client) *QueueCLI {
	return &QueueCLI{
		apiURL:     strings.TrimRight(apiURL, "/"),
		token:      os.Getenv(EnvAPIToken),
		httpClient: client,
		out:        os.Stdout,
		errOut:     os.Stderr,
		now:        time.Now,
	}
}

// SetToken overrides the bearer token taken from the environment.
func (c *QueueCLI) SetToken(token string) {
	c.token = token
}

// Run executes the queue subcommand based on args.
// Returns exit code.
func (c *QueueCLI) Run(args []string) int {
	if len(args) == 0 {
		c.printUsage()
		return 1
	}

	switch args[0] {
	case "status":
		return c.runStatus()
	case "pending":
		return c.runPending()
	case "enqueue":
		return c.runEnqueue(args[1:])
	case "sync":
		return c.runSync(args[1:])
	case "clear":
		return c.runClear(args[1:])
	case "help", "--help", "-h":
		c.printUsage()
		return 0
	default:
		fmt.Fprintf(c.errOut, "unknown command: %s\n", args[0])
		c.printUsage()
		return 1
	}
}

func (c *QueueCLI) printUsage() {
	fmt.Fprintln(c.out, `Usage: slopesync <command> [options]

Inspect and drive the offline action queue of a running daemon.

Commands:
  status    Show connectivity, sync state and queue length
  pending   List pending actions
  enqueue   Queue an action: enqueue <kind> <payload-json | @file>
  sync      Run a sync pass now (--no-wait to only start it)
  clear     Drop every pending action (--yes to confirm)

Examples:
  slopesync status
  slopesync enqueue join-event '{"eventId":"e1","userId":"u1"}'
  slopesync sync
  slopesync clear --yes`)
}

func (c *QueueCLI) do(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, c.apiURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.httpClient.Do(req)
}

// call performs the request and decodes a successful response into v.
func (c *QueueCLI) call(method, path string, body io.Reader, v any, okCodes ...int) bool {
	resp, err := c.do(method, path, body)
	if err != nil {
		fmt.Fprintf(c.errOut, "Error: %v\n", err)
		return false
	}
	defer resp.Body.Close()

	ok := false
	for _, code := range okCodes {
		if resp.StatusCode == code {
			ok = true
		}
	}
	if !ok {
		errBody, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(c.errOut, "Error (HTTP %d): %s\n", resp.StatusCode, strings.TrimSpace(string(errBody)))
		return false
	}
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			fmt.Fprintf(c.errOut, "Error decoding response: %v\n", err)
			return false
		}
	}
	return true
}

func (c *QueueCLI) runStatus() int {
	var st struct {
		offline.Status
		UptimeSec int64 `json:"uptimeSec"`
	}
	if !c.call(http.MethodGet, "/api/status", nil, &st, http.StatusOK) {
		return 1
	}

	online := "offline"
	if st.IsOnline {
		online = "online"
	}
	syncing := "idle"
	if st.IsSyncing {
		syncing = "syncing"
	}
	fmt.Fprintf(c.out, "Network:  %s\n", online)
	fmt.Fprintf(c.out, "Sync:     %s\n", syncing)
	fmt.Fprintf(c.out, "Pending:  %d\n", st.QueueLength)
	fmt.Fprintf(c.out, "Uptime:   %s\n", formatDuration(time.Duration(st.UptimeSec)*time.Second))
	return 0
}

func (c *QueueCLI) runPending() int {
	var list struct {
		Count   int                    `json:"count"`
		Actions []offline.QueuedAction `json:"actions"`
	}
	if !c.call(http.MethodGet, "/api/queue", nil, &list, http.StatusOK) {
		return 1
	}

	if len(list.Actions) == 0 {
		fmt.Fprintln(c.out, "Queue is empty.")
		return 0
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tAGE\tRETRIES\tSUMMARY")
	for _, a := range list.Actions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			a.ID,
			a.Kind(),
			formatDuration(c.now().Sub(a.EnqueuedAt)),
			a.RetryCount,
			offline.Summarize(a.Payload),
		)
	}
	w.Flush()

	fmt.Fprintf(c.out, "\n%d action(s) pending.\n", len(list.Actions))
	return 0
}

func (c *QueueCLI) runEnqueue(args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(c.errOut, "Usage: slopesync enqueue <kind> <payload-json | @file>")
		return 1
	}
	kind := offline.Kind(args[0])
	if !kind.Known() {
		fmt.Fprintf(c.errOut, "Error: unknown action kind %q\n", kind)
		return 1
	}

	raw := []byte(args[1])
	if path, ok := strings.CutPrefix(args[1], "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(c.errOut, "Error reading payload file: %v\n", err)
			return 1
		}
		raw = data
	}
	if !json.Valid(raw) {
		fmt.Fprintln(c.errOut, "Error: payload is not valid JSON")
		return 1
	}

	body, _ := json.Marshal(map[string]any{"kind": kind, "payload": json.RawMessage(raw)})
	var action offline.QueuedAction
	if !c.call(http.MethodPost, "/api/queue", bytes.NewReader(body), &action, http.StatusAccepted, http.StatusOK) {
		return 1
	}

	fmt.Fprintf(c.out, "✅ Queued %s %s\n", action.Kind(), action.ID)
	return 0
}

func (c *QueueCLI) runSync(args []string) int {
	fs := flag.NewFlagSet("slopesync sync", flag.ContinueOnError)
	fs.SetOutput(c.errOut)
	noWait := fs.Bool("no-wait", false, "Start a pass in the background and return")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *noWait {
		var resp struct {
			Started bool `json:"started"`
		}
		if !c.call(http.MethodPost, "/api/sync?wait=false", nil, &resp, http.StatusAccepted) {
			return 1
		}
		if resp.Started {
			fmt.Fprintln(c.out, "Sync pass started.")
		} else {
			fmt.Fprintln(c.out, "A sync pass is already running.")
		}
		return 0
	}

	var s offline.PassSummary
	if !c.call(http.MethodPost, "/api/sync", nil, &s, http.StatusOK) {
		return 1
	}
	if s.Err != "" {
		fmt.Fprintf(c.errOut, "Sync pass failed: %s\n", s.Err)
		return 1
	}
	fmt.Fprintf(c.out, "Synced %d of %d action(s) in %s\n", s.Succeeded, s.Attempted, s.Duration.Round(time.Millisecond))
	if s.Retained > 0 {
		fmt.Fprintf(c.out, "   Retained for retry: %d\n", s.Retained)
	}
	if s.GaveUp > 0 {
		fmt.Fprintf(c.out, "   ⚠️  Gave up:         %d\n", s.GaveUp)
	}
	fmt.Fprintf(c.out, "   Remaining:          %d\n", s.Remaining)
	return 0
}

func (c *QueueCLI) runClear(args []string) int {
	fs := flag.NewFlagSet("slopesync clear", flag.ContinueOnError)
	fs.SetOutput(c.errOut)
	yes := fs.Bool("yes", false, "Confirm dropping all pending actions")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if !*yes {
		fmt.Fprintln(c.errOut, "Refusing to clear the queue without --yes")
		return 1
	}

	if !c.call(http.MethodDelete, "/api/queue", nil, nil, http.StatusOK) {
		return 1
	}
	fmt.Fprintln(c.out, "✅ Queue cleared.")
	return 0
}

// formatDuration formats a duration as human-readable string.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
