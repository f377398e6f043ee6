// Package repository inspects and refreshes the bare git repositories that
// labs hand out to their instances.
package repository

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/lcpu-dev/labsched/models"
	"github.com/lcpu-dev/labsched/store"
	"github.com/lcpu-dev/labsched/utils/logging"
	"github.com/sourcegraph/conc/pool"
)

var (
	ErrInvalidName = errors.New("invalid repository name")
	ErrNotFound    = fmt.Errorf("repository %w", store.ErrNotFound)
	validName      = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)
)

// Runner executes a command in dir and returns its standard output.
type Runner interface {
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, &CommandError{Name: name, Args: args, Err: err, Stderr: strings.TrimSpace(stderr.String())}
	}
	return out, nil
}

type CommandError struct {
	Name   string
	Args   []string
	Err    error
	Stderr string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %s: %v: %s", e.Name, strings.Join(e.Args, " "), e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// exitCode returns the exit status carried by err, or -1.
func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

type Manager struct {
	root    string
	baseURL string
	git     string
	runner  Runner
}

func NewManager(root, baseURL, git string) *Manager {
	if git == "" {
		git = "git"
	}
	return &Manager{root: root, baseURL: strings.TrimRight(baseURL, "/"), git: git, runner: ExecRunner{}}
}

// WithRunner replaces the command runner.
func (m *Manager) WithRunner(r Runner) *Manager {
	m.runner = r
	return m
}

// Dir is the bare repository directory of name.
func (m *Manager) Dir(name string) (string, error) {
	if !validName.MatchString(name) || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(m.root, name+".git"), nil
}

// Link is the clone URL of name for the holder of privateToken.
func (m *Manager) Link(privateToken, name string) string {
	return m.baseURL + "/" + privateToken + "/" + name + ".git"
}

// Links synthesizes the per-alias repository links of inst.
func (m *Manager) Links(inst *models.Instance) map[string]models.RepositoryLink {
	if len(inst.Lab.Repositories) == 0 {
		return nil
	}
	links := make(map[string]models.RepositoryLink, len(inst.Lab.Repositories))
	for alias, r := range inst.Lab.Repositories {
		links[alias] = models.RepositoryLink{Link: m.Link(inst.PrivateToken, r.Name), Head: r.Head}
	}
	return links
}

// run executes git inside the repository directory of name. A repository
// that is not on disk is reported as ErrNotFound.
func (m *Manager) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	dir, err := m.Dir(name)
	if err != nil {
		return nil, err
	}
	out, err := m.runner.Run(ctx, dir, m.git, args...)
	if err != nil {
		if _, serr := os.Stat(dir); errors.Is(serr, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
	}
	return out, err
}

// Refs maps the local heads of name to their commit ids.
func (m *Manager) Refs(ctx context.Context, name string) (map[string]string, error) {
	out, err := m.run(ctx, name, "show-ref", "--heads")
	refs := map[string]string{}
	if err != nil {
		// show-ref exits 1 when nothing matches
		if exitCode(err) == 1 && len(bytes.TrimSpace(out)) == 0 {
			return refs, nil
		}
		return nil, err
	}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 || !strings.HasPrefix(fields[1], "refs/heads/") {
			continue
		}
		refs[strings.TrimPrefix(fields[1], "refs/heads/")] = fields[0]
	}
	return refs, sc.Err()
}

// Fetch updates name from its remotes.
func (m *Manager) Fetch(ctx context.Context, name string) error {
	_, err := m.run(ctx, name, "fetch", "-a", "--prune")
	return err
}

// FetchAll fetches every named repository in parallel and returns the
// joined failures.
func (m *Manager) FetchAll(ctx context.Context, names []string) error {
	seen := map[string]bool{}
	p := pool.New().WithMaxGoroutines(4).WithErrors()
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		name := name
		p.Go(func() error {
			if err := m.Fetch(ctx, name); err != nil {
				logging.From(ctx).WithField("repository", name).WithError(err).Warn("failed to fetch repository")
				return err
			}
			return nil
		})
	}
	return p.Wait()
}

// LabRepositories lists the repositories referenced by labs.
func LabRepositories(labs []*models.Lab) []string {
	names := []string{}
	for _, l := range labs {
		for _, r := range l.Repositories {
			names = append(names, r.Name)
		}
	}
	return names
}
