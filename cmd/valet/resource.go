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

func runResourceCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: valet resource add|list|remove ...")
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
		return runResourceAdd(ctx, st, args[1:])
	case "list":
		return runResourceList(ctx, st, args[1:])
	case "remove":
		return runResourceRemove(ctx, st, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown resource action %q\n", args[0])
		return 2
	}
}

func runResourceAdd(ctx context.Context, st *store.Store, args []string) int {
	fs := flag.NewFlagSet("resource add", flag.ExitOnError)
	user := fs.String("user", "", "owning user id")
	resType := fs.String("type", "", "resource type, e.g. vault or calendar")
	path := fs.String("path", "", "filesystem path granted to the agent")
	perm := fs.String("perm", "read", "read or readwrite")
	label := fs.String("label", "", "label for skill env lookups")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *user == "" || *resType == "" || *path == "" {
		fmt.Fprintln(os.Stderr, "resource add: -user, -type, and -path are required")
		return 2
	}

	id, err := st.AddResource(ctx, store.UserResource{
		UserID:     *user,
		Type:       *resType,
		Path:       *path,
		Permission: store.ResourcePermission(*perm),
		Label:      *label,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "add resource: %v\n", err)
		return 1
	}
	audit.Record(audit.KindResourceGranted, 0, *user,
		fmt.Sprintf("id=%d type=%s path=%s perm=%s", id, *resType, *path, *perm))
	fmt.Printf("granted resource %d\n", id)
	return 0
}

func runResourceList(ctx context.Context, st *store.Store, args []string) int {
	fs := flag.NewFlagSet("resource list", flag.ExitOnError)
	user := fs.String("user", "", "owning user id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *user == "" {
		fmt.Fprintln(os.Stderr, "resource list: -user is required")
		return 2
	}

	resources, err := st.ListResources(ctx, *user, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "list resources: %v\n", err)
		return 1
	}
	if len(resources) == 0 {
		fmt.Println("no resources")
		return 0
	}
	for _, r := range resources {
		fmt.Printf("#%-4d %-10s %-9s %s\n", r.ID, r.Type, r.Permission, r.Path)
	}
	return 0
}

func runResourceRemove(ctx context.Context, st *store.Store, args []string) int {
	fs := flag.NewFlagSet("resource remove", flag.ExitOnError)
	user := fs.String("user", "", "owning user id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if *user == "" || len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "usage: valet resource remove -user <id> <resource-id>")
		return 2
	}
	id, err := strconv.ParseInt(rest[0], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad resource id %q\n", rest[0])
		return 2
	}

	ok, err := st.RemoveResource(ctx, *user, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "remove resource: %v\n", err)
		return 1
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "no resource %d for user %s\n", id, *user)
		return 1
	}
	audit.Record(audit.KindResourceRevoked, 0, *user, fmt.Sprintf("id=%d", id))
	fmt.Printf("revoked resource %d\n", id)
	return 0
}
