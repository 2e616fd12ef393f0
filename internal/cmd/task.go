package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bountyhub/bountyd/internal/config"
	"github.com/bountyhub/bountyd/internal/model"
	"github.com/bountyhub/bountyd/internal/orchestrator"
	"github.com/bountyhub/bountyd/internal/store"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and inspect tasks",
	Long: `Create and inspect tasks in the local store.

These commands open the configured store directly and work whether or not
the daemon is running. Funding, submissions and settlement go through the
HTTP API.`,
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an open, unfunded task",
	Long: `Create an open, unfunded task.

The success criteria are read from a YAML file:

  description: A complete quarterly report
  metrics:
    - name: mentions revenue
      kind: contains
      value: revenue
      weight: 2
    - name: long enough
      kind: min_length
      threshold: 2000
      required: true

Examples:
  bountyd task create --title "Quarterly report" --reward 1000 --criteria report.yaml
  bountyd task create --title "Fix bug 42" --reward 50.00 --deadline 72h --max-submissions 5 --criteria bug.yaml`,
	Args: cobra.NoArgs,
	RunE: runTaskCreate,
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task with its submissions and audits",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskStatus,
}

var taskTimelineCmd = &cobra.Command{
	Use:   "timeline <task-id>",
	Short: "Show a task's timeline, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskTimeline,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE:  runTaskList,
}

// decimalValue is a pflag.Value holding a monetary amount.
type decimalValue struct{ d *decimal.Decimal }

var _ pflag.Value = decimalValue{}

func (v decimalValue) String() string {
	if v.d == nil {
		return ""
	}
	return v.d.String()
}

func (v decimalValue) Set(s string) error {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("not a decimal amount: %s", s)
	}
	*v.d = d
	return nil
}

func (decimalValue) Type() string { return "amount" }

var (
	createTitle          string
	createDescription    string
	createReward         decimal.Decimal
	createCurrency       string
	createDeadline       string
	createMaxSubmissions int
	createCriteriaFile   string
	listStatuses         []string
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskStatusCmd)
	taskCmd.AddCommand(taskTimelineCmd)
	taskCmd.AddCommand(taskListCmd)

	f := taskCreateCmd.Flags()
	f.StringVar(&createTitle, "title", "", "task title")
	f.StringVar(&createDescription, "description", "", "task description")
	f.Var(decimalValue{&createReward}, "reward", "reward amount, at most two decimal places")
	f.StringVar(&createCurrency, "currency", "", "ISO 4217 currency code (default escrow.currency)")
	f.StringVar(&createDeadline, "deadline", "", "deadline as RFC 3339 time or a duration from now (e.g. 72h)")
	f.IntVar(&createMaxSubmissions, "max-submissions", 0, "maximum accepted submissions (0 for unlimited)")
	f.StringVar(&createCriteriaFile, "criteria", "", "YAML file with the success criteria")
	_ = taskCreateCmd.MarkFlagRequired("title")
	_ = taskCreateCmd.MarkFlagRequired("reward")
	_ = taskCreateCmd.MarkFlagRequired("criteria")

	taskListCmd.Flags().StringSliceVar(&listStatuses, "status", nil, "only list tasks in these statuses")
}

// openStore opens the configured store for a one-shot command.
func openStore(ctx context.Context) (store.Store, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Store.Driver == "memory" {
		return nil, nil, fmt.Errorf("task commands need a persistent store; store.driver is %q", cfg.Store.Driver)
	}
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, cfg, nil
}

func readCriteria(path string) (model.Criteria, error) {
	var c model.Criteria
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("failed to read criteria: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return c, fmt.Errorf("invalid criteria file %s: %w", path, err)
	}
	return c, nil
}

func parseDeadline(s string, now time.Time) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		t := now.Add(d)
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid deadline %q: expected RFC 3339 time or duration", s)
	}
	return &t, nil
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	criteria, err := readCriteria(createCriteriaFile)
	if err != nil {
		return err
	}
	now := time.Now()
	deadline, err := parseDeadline(createDeadline, now)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	st, cfg, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	currency := createCurrency
	if currency == "" {
		currency = cfg.Escrow.Currency
	}
	task, entry, err := orchestrator.NewTask(orchestrator.TaskSpec{
		Title:          createTitle,
		Description:    createDescription,
		Reward:         createReward,
		Currency:       currency,
		Criteria:       criteria,
		Deadline:       deadline,
		MaxSubmissions: createMaxSubmissions,
	}, now)
	if err != nil {
		return err
	}
	if err := st.CreateTask(ctx, task, entry); err != nil {
		return fmt.Errorf("failed to store task: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created task %s\n", task.ID)
	fmt.Fprintf(out, "Fund it with: POST /tasks/%s/fund\n", task.ID)
	return nil
}

func runTaskStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, _, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	task, err := st.GetTask(ctx, args[0])
	if err != nil {
		return err
	}
	subs, err := st.ListSubmissions(ctx, task.ID)
	if err != nil {
		return err
	}
	audits, err := st.ListAudits(ctx, task.ID)
	if err != nil {
		return err
	}
	renderTask(newStyles(cmd.OutOrStdout()), task, subs, audits)
	return nil
}

func runTaskTimeline(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, _, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.GetTask(ctx, args[0]); err != nil {
		return err
	}
	entries, err := st.ListTimeline(ctx, args[0])
	if err != nil {
		return err
	}
	renderTimeline(newStyles(cmd.OutOrStdout()), entries)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, _, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	statuses := make([]model.TaskStatus, 0, len(listStatuses))
	for _, s := range listStatuses {
		statuses = append(statuses, model.TaskStatus(s))
	}
	tasks, err := st.ListTasks(ctx, statuses...)
	if err != nil {
		return err
	}

	s := newStyles(cmd.OutOrStdout())
	if len(tasks) == 0 {
		fmt.Fprintln(s.out, "No tasks found.")
		return nil
	}
	for _, t := range tasks {
		line := fmt.Sprintf("%s  %-14s %-9s %10s %s  %s",
			t.ID, s.status(string(t.Status)), s.status(string(t.PaymentStatus)),
			t.Reward.StringFixed(2), t.Currency, t.Title)
		fmt.Fprintln(s.out, s.truncate(line, 0))
	}
	return nil
}
