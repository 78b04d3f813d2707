package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/agentworkforce/relaymail/internal/mailsync"
)

const usage = `usage: relaymail-task <command> [flags]

commands:
  create   submit a task to the backend
  logs     print the logs of a task
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type commonFlags struct {
	apiURL  string
	token   string
	timeout time.Duration
}

func (c *commonFlags) add(fs *pflag.FlagSet) {
	fs.StringVar(&c.apiURL, "api-url", envOrDefault("RELAYMAIL_API_URL", "http://localhost:8000"), "mail backend base URL")
	fs.StringVar(&c.token, "token", strings.TrimSpace(os.Getenv("RELAYMAIL_TOKEN")), "auth token passed to the backend")
	fs.DurationVar(&c.timeout, "timeout", 30*time.Second, "request timeout")
}

func (c *commonFlags) client() *mailsync.HTTPClient {
	return mailsync.NewHTTPClient(c.apiURL, c.token, nil)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errors.New("missing command")
	}
	switch args[0] {
	case "create":
		return runCreate(ctx, args[1:], stdout, stderr)
	case "logs":
		return runLogs(ctx, args[1:], stdout, stderr)
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runCreate(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var common commonFlags
	var taskType, title, data string
	fs := pflag.NewFlagSet("create", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	common.add(fs)
	fs.StringVar(&taskType, "type", "create_email", "task type")
	fs.StringVar(&title, "title", "", "task title, stored as data.title")
	fs.StringVar(&data, "data", "", "task data as a JSON object")
	if err := fs.Parse(args); err != nil {
		return err
	}

	payload := map[string]any{}
	if strings.TrimSpace(data) != "" {
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return fmt.Errorf("--data must be a JSON object: %w", err)
		}
	}
	if title != "" {
		payload["title"] = title
	}

	ctx, cancel := context.WithTimeout(ctx, common.timeout)
	defer cancel()
	created, err := common.client().CreateTask(ctx, mailsync.TaskRequest{Type: taskType, Data: payload})
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, created.TaskID)
	return nil
}

func runLogs(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var common commonFlags
	var query, workflow string
	var asJSON bool
	fs := pflag.NewFlagSet("logs", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	common.add(fs)
	fs.StringVarP(&query, "query", "q", "", "only entries containing this text")
	fs.StringVar(&workflow, "workflow", "", "only entries of this workflow")
	fs.BoolVar(&asJSON, "json", false, "print entries as JSON lines")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("logs takes exactly one task id")
	}
	taskID := fs.Arg(0)

	ctx, cancel := context.WithTimeout(ctx, common.timeout)
	defer cancel()
	entries, err := common.client().ListTaskLogs(ctx, taskID)
	if err != nil {
		return err
	}
	filtered := mailsync.FilterLogs(map[string][]mailsync.LogEntry{taskID: entries}, mailsync.LogFilter{
		Query:    query,
		Workflow: workflow,
	})
	enc := json.NewEncoder(stdout)
	for _, entry := range filtered {
		if asJSON {
			if err := enc.Encode(entry); err != nil {
				return err
			}
			continue
		}
		level := entry.Level
		if level == "" {
			level = "info"
		}
		fmt.Fprintf(stdout, "%s\t%s\t%s\t%s\n", entry.Timestamp, strings.ToUpper(level), entry.Title(), entry.Message)
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}
