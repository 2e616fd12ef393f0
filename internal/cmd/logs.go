package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bountyhub/bountyd/internal/config"
	"github.com/bountyhub/bountyd/internal/logging"
	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View daemon logs",
	Long: `View and filter the daemon log written to logging.dir.

Examples:
  # Show the last 50 lines
  bountyd logs

  # Everything that happened to one task
  bountyd logs --task tsk_01J... -n 0

  # Follow logs in real-time
  bountyd logs -f

  # Only warnings and errors from the last hour
  bountyd logs --level warn --since 1h

  # Search for specific patterns
  bountyd logs --grep "timeout|memory"`,
	RunE: runLogs,
}

var (
	logsTail   int
	logsFollow bool
	logsLevel  string
	logsSince  string
	logsGrep   string
	logsTask   string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of lines to show (0 for all)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show logs since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Filter logs matching pattern (regex)")
	logsCmd.Flags().StringVar(&logsTask, "task", "", "Only show entries for this task ID")
}

// logEntry is one parsed JSON log line.
type logEntry struct {
	Time         time.Time      `json:"time"`
	Level        string         `json:"level"`
	Msg          string         `json:"msg"`
	Component    string         `json:"component,omitempty"`
	TaskID       string         `json:"task_id,omitempty"`
	SubmissionID string         `json:"submission_id,omitempty"`
	ExecutionID  string         `json:"execution_id,omitempty"`
	Extra        map[string]any `json:"-"`
}

var knownLogKeys = []string{"time", "level", "msg", "component", "task_id", "submission_id", "execution_id"}

// UnmarshalJSON keeps fields without a struct slot in Extra.
func (e *logEntry) UnmarshalJSON(data []byte) error {
	type alias logEntry
	if err := json.Unmarshal(data, (*alias)(e)); err != nil {
		return err
	}

	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range knownLogKeys {
		delete(all, k)
	}
	if len(all) > 0 {
		e.Extra = all
	}
	return nil
}

// logFilter selects which entries are shown.
type logFilter struct {
	minLevel int
	since    time.Time
	grep     *regexp.Regexp
	taskID   string
}

func levelPriority(level string) int {
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return 0
	case logging.LevelInfo:
		return 1
	case logging.LevelWarn:
		return 2
	case logging.LevelError:
		return 3
	default:
		return -1
	}
}

func (f logFilter) match(e *logEntry) bool {
	if f.minLevel >= 0 && levelPriority(e.Level) < f.minLevel {
		return false
	}
	if !f.since.IsZero() && e.Time.Before(f.since) {
		return false
	}
	if f.taskID != "" && e.TaskID != f.taskID {
		return false
	}
	if f.grep != nil {
		text := e.Msg
		for _, v := range e.Extra {
			text += " " + fmt.Sprintf("%v", v)
		}
		if !f.grep.MatchString(text) {
			return false
		}
	}
	return true
}

func (s *styles) level(level string) string {
	tag := "[" + strings.ToUpper(level) + "]"
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return s.muted.Render(tag)
	case logging.LevelInfo:
		return s.active.Render(tag)
	case logging.LevelWarn:
		return s.warn.Render(tag)
	case logging.LevelError:
		return s.bad.Render(tag)
	}
	return tag
}

func formatLogEntry(s *styles, e *logEntry) string {
	var sb strings.Builder
	sb.WriteString(s.muted.Render("[" + e.Time.Local().Format("15:04:05.000") + "]"))
	sb.WriteString(" ")
	sb.WriteString(s.level(e.Level))
	if e.Component != "" {
		sb.WriteString(" ")
		sb.WriteString(s.title.Render(e.Component + ":"))
	}
	sb.WriteString(" ")
	sb.WriteString(e.Msg)

	for _, kv := range [][2]string{{"task", e.TaskID}, {"submission", e.SubmissionID}, {"execution", e.ExecutionID}} {
		if kv[1] != "" {
			sb.WriteString(" " + s.muted.Render(kv[0]+"=") + kv[1])
		}
	}

	keys := make([]string, 0, len(e.Extra))
	for k := range e.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(" " + s.muted.Render(k+"=") + fmt.Sprintf("%v", e.Extra[k]))
	}
	return sb.String()
}

func runLogs(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg := config.Get()
	if cfg.Logging.Dir == "" {
		fmt.Fprintln(out, "logging.dir is not set; the daemon logs to stderr.")
		return nil
	}
	logPath := filepath.Join(cfg.Logging.Dir, logging.LogFileName)
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		fmt.Fprintf(out, "No log file at %s\n", logPath)
		return nil
	}

	filter := logFilter{minLevel: -1, taskID: logsTask}
	if logsLevel != "" {
		filter.minLevel = levelPriority(logging.ParseLevel(logsLevel))
	}
	if logsSince != "" {
		d, err := time.ParseDuration(logsSince)
		if err != nil {
			return fmt.Errorf("invalid duration format: %w", err)
		}
		filter.since = time.Now().Add(-d)
	}
	if logsGrep != "" {
		re, err := regexp.Compile(logsGrep)
		if err != nil {
			return fmt.Errorf("invalid grep pattern: %w", err)
		}
		filter.grep = re
	}

	s := newStyles(out)
	if logsFollow {
		return followLogs(cmd, s, logPath, filter)
	}
	return displayLogs(s, logPath, logsTail, filter)
}

func displayLogs(s *styles, logPath string, tail int, filter logFilter) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	lines, err := filterLogs(file, s, filter)
	if err != nil {
		return err
	}
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	for _, line := range lines {
		fmt.Fprintln(s.out, line)
	}
	if len(lines) == 0 {
		fmt.Fprintln(s.out, "No matching log entries found.")
	}
	return nil
}

// filterLogs formats every entry of r that passes filter. Lines that are
// not JSON are kept as they are.
func filterLogs(r io.Reader, s *styles, filter logFilter) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var entry logEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			lines = append(lines, line)
			continue
		}
		if filter.match(&entry) {
			lines = append(lines, formatLogEntry(s, &entry))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading log file: %w", err)
	}
	return lines, nil
}

// followLogs behaves like tail -f until the command's context ends.
func followLogs(cmd *cobra.Command, s *styles, logPath string, filter logFilter) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to end: %w", err)
	}
	fmt.Fprintf(s.out, "Following %s... (Ctrl+C to stop)\n\n", logPath)

	ctx := cmd.Context()
	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("error reading log file: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry logEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			fmt.Fprintln(s.out, line)
			continue
		}
		if filter.match(&entry) {
			fmt.Fprintln(s.out, formatLogEntry(s, &entry))
		}
	}
}
