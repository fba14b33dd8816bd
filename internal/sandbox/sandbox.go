// Package sandbox wraps task commands in a bubblewrap invocation that
// confines filesystem and process visibility. The environment decides how
// hard the boundary is: permissive deployments degrade to unsandboxed
// execution when the tool is missing, restricted ones refuse to run.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"valet/internal/config"
	"valet/internal/store"
	"valet/internal/telemetry"
)

// Request describes one command to confine.
type Request struct {
	Command   []string
	Task      store.Task
	IsAdmin   bool
	Resources []store.UserResource
}

// Builder produces sandboxed command lines for task execution.
type Builder struct {
	policy     config.SecurityPolicy
	sharedRoot string
	homeDir    string
	taskDBPath string
	bwrapPath  string
	metrics    *telemetry.Metrics
	log        *slog.Logger

	// resolvePath is swapped in tests to avoid depending on host symlinks.
	resolvePath func(string) (string, error)
}

func NewBuilder(cfg config.Config, metrics *telemetry.Metrics, log *slog.Logger) *Builder {
	return &Builder{
		policy:      cfg.Security,
		sharedRoot:  cfg.SharedRoot,
		homeDir:     cfg.HomeDir,
		taskDBPath:  cfg.TaskDBPath(),
		bwrapPath:   BwrapPath(),
		metrics:     metrics,
		log:         log.With("component", "sandbox"),
		resolvePath: resolveExisting,
	}
}

// Available reports whether the isolation tool can be used on this host.
func (b *Builder) Available() bool {
	return b.bwrapPath != "" && runtime.GOOS == "linux"
}

// Wrap returns the command line to execute for the request. When isolation
// is disabled or unavailable, the original command is returned unchanged
// with sandboxed=false; under restricted policy an unavailable tool is an
// error instead, never a silent downgrade.
func (b *Builder) Wrap(req Request) (argv []string, sandboxed bool, err error) {
	if len(req.Command) == 0 {
		return nil, false, fmt.Errorf("sandbox: empty command")
	}
	if !b.policy.SandboxEnabled {
		return req.Command, false, nil
	}
	if !b.Available() {
		if !b.policy.Permissive() {
			return nil, false, fmt.Errorf("sandbox: isolation tool unavailable and policy is restricted")
		}
		b.log.Warn("isolation tool unavailable, running unsandboxed",
			"task_id", req.Task.ID, "os", runtime.GOOS)
		if b.metrics != nil {
			b.metrics.SandboxDegrades.Add(context.Background(), 1)
		}
		return req.Command, false, nil
	}

	args, err := b.buildArgs(req)
	if err != nil {
		return nil, false, err
	}
	full := make([]string, 0, len(args)+len(req.Command)+2)
	full = append(full, b.bwrapPath)
	full = append(full, args...)
	full = append(full, "--")
	full = append(full, req.Command...)
	return full, true, nil
}

func (b *Builder) buildArgs(req Request) ([]string, error) {
	sharedRoot, err := b.resolvePath(b.sharedRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve shared root: %w", err)
	}

	args := []string{
		"--ro-bind", "/", "/",
		"--dev", "/dev",
		"--proc", "/proc",
		"--tmpfs", "/tmp",
		"--unshare-pid",
		"--die-with-parent",
	}

	// Read-write grants. Admins own the whole shared root; everyone else
	// gets their user directory and, for channel tasks, the channel share.
	var rwRoots []string
	if req.IsAdmin {
		rwRoots = append(rwRoots, sharedRoot)
	} else {
		userDir, err := b.resolvePath(filepath.Join(sharedRoot, "Users", req.Task.UserID))
		if err != nil {
			return nil, fmt.Errorf("resolve user dir: %w", err)
		}
		rwRoots = append(rwRoots, userDir)
		if req.Task.Channel != "" {
			channelDir, err := b.resolvePath(filepath.Join(sharedRoot, "Channels", req.Task.Channel))
			if err != nil {
				return nil, fmt.Errorf("resolve channel dir: %w", err)
			}
			rwRoots = append(rwRoots, channelDir)
		}
	}
	for _, dir := range rwRoots {
		args = append(args, "--bind", dir, dir)
	}

	mounted := append([]string{sharedRoot}, rwRoots...)
	for _, res := range req.Resources {
		path, err := b.resolvePath(res.Path)
		if err != nil {
			b.log.Warn("skipping unresolvable resource grant", "resource_id", res.ID, "path", res.Path, "error", err)
			continue
		}
		if coveredBy(path, mounted) {
			continue
		}
		if res.Permission == store.PermissionReadWrite {
			args = append(args, "--bind", path, path)
		} else {
			args = append(args, "--ro-bind", path, path)
		}
		mounted = append(mounted, path)
	}

	// The host state directory holds the task database, logs, and secrets.
	// Non-admin tasks see an empty overlay instead; admins get the database
	// back at the policy's permission level.
	homeDir, err := b.resolvePath(b.homeDir)
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}
	args = append(args, "--tmpfs", homeDir)
	if req.IsAdmin {
		dbPath, err := b.resolvePath(b.taskDBPath)
		if err != nil {
			return nil, fmt.Errorf("resolve task db: %w", err)
		}
		if b.policy.AdminTaskDBWrite {
			args = append(args, "--bind", dbPath, dbPath)
		} else {
			args = append(args, "--ro-bind", dbPath, dbPath)
		}
	}

	// Mask every other user's configuration directory last so no earlier
	// bind re-exposes it.
	args = append(args, b.configMasks(sharedRoot, req.Task.UserID)...)
	return args, nil
}

// configMasks returns tmpfs mounts hiding the private configuration of all
// users other than the task owner.
func (b *Builder) configMasks(sharedRoot, ownerID string) []string {
	entries, err := os.ReadDir(filepath.Join(sharedRoot, "Users"))
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != ownerID {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var args []string
	for _, name := range names {
		cfgDir := filepath.Join(sharedRoot, "Users", name, ".config")
		if _, err := os.Stat(cfgDir); err != nil {
			continue
		}
		args = append(args, "--tmpfs", cfgDir)
	}
	return args
}

// coveredBy reports whether path already lies inside one of the mounted
// directories.
func coveredBy(path string, mounted []string) bool {
	for _, root := range mounted {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// resolveExisting resolves symlinks for a path, requiring it to exist. A
// bind of a path the attacker can re-point later is exactly what symlink
// resolution is here to prevent.
func resolveExisting(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", err
	}
	return filepath.Abs(resolved)
}

// BwrapPath locates the bubblewrap binary, probing the usual locations.
func BwrapPath() string {
	for _, candidate := range []string{
		"/usr/bin/bwrap",
		"/usr/local/bin/bwrap",
		"/bin/bwrap",
	} {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}
