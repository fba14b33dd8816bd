package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"valet/internal/audit"
	"valet/internal/config"
	"valet/internal/store"
)

func runTaskCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: valet task add|list|cancel ...")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	st, err := store.Open(cfg.TaskDBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open task database: %v\n", err)
		return 1
	}
	defer st.Close()

	switch args[0] {
	case "add":
		return runTaskAdd(ctx, st, args[1:])
	case "list":
		return runTaskList(ctx, st, args[1:])
	case "cancel":
		return runTaskCancel(ctx, st, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown task action %q\n", args[0])
		return 2
	}
}

func runTaskAdd(ctx context.Context, st *store.Store, args []string) int {
	fs := flag.NewFlagSet("task add", flag.ExitOnError)
	user := fs.String("user", "", "owning user id")
	prompt := fs.String("prompt", "", "task prompt")
	queue := fs.String("queue", "foreground", "foreground or background")
	channel := fs.String("channel", "", "channel scope")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *user == "" || *prompt == "" {
		fmt.Fprintln(os.Stderr, "task add: -user and -prompt are required")
		return 2
	}

	id, err := st.CreateTask(ctx, store.NewTask{
		Prompt:  *prompt,
		UserID:  *user,
		Channel: *channel,
		Source:  store.SourceDirect,
		Queue:   store.TaskQueue(*queue),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "create task: %v\n", err)
		return 1
	}
	audit.Record(audit.KindTaskCreated, id, *user, "source=direct")
	fmt.Printf("created task %d\n", id)
	return 0
}

func runTaskList(ctx context.Context, st *store.Store, args []string) int {
	status := store.TaskStatusPending
	if len(args) > 0 {
		status = store.TaskStatus(args[0])
	}
	tasks, err := st.ListTasksByStatus(ctx, status, 50)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list tasks: %v\n", err)
		return 1
	}
	if len(tasks) == 0 {
		fmt.Printf("no %s tasks\n", status)
		return 0
	}
	for _, task := range tasks {
		fmt.Printf("#%-5d %-9s %-10s %s\n", task.ID, task.Source, task.UserID, truncate(task.Prompt, 60))
	}
	return 0
}

func runTaskCancel(ctx context.Context, st *store.Store, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: valet task cancel <id>")
		return 2
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad task id %q\n", args[0])
		return 2
	}
	ok, err := st.RequestCancel(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cancel: %v\n", err)
		return 1
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "task %d is not cancellable\n", id)
		return 1
	}
	audit.Record(audit.KindTaskCancelled, id, "", "requested via cli")
	fmt.Printf("cancellation requested for task %d\n", id)
	return 0
}
