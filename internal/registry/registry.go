// Package registry serves the project manifest: which projects exist, which
// versions each has deployed and which spiders every version provides.
package registry

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/crawld/internal/jobs"
)

// Manifest is the on-disk description of deployed projects.
type Manifest struct {
	Runner   []string  `yaml:"runner"`
	Projects []Project `yaml:"projects"`
}

// Project lists the deployed versions of one project, oldest first.
type Project struct {
	Name     string    `yaml:"name"`
	Versions []Version `yaml:"versions"`
}

// Version is one deployed build of a project.
type Version struct {
	Version string   `yaml:"version"`
	Spiders []string `yaml:"spiders"`
	Runner  []string `yaml:"runner"`
}

// Options fills in what the manifest leaves out.
type Options struct {
	// Runner is the command prefix used when neither the version nor the
	// manifest names one.
	Runner []string
	// LogsDir receives per-job log files; empty disables them.
	LogsDir string
}

// Parse decodes and validates a manifest.
func Parse(data []byte) (Manifest, error) {
	var m Manifest
	if len(bytes.TrimSpace(data)) == 0 {
		return m, nil
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("registry: decode manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func (m Manifest) validate() error {
	seen := make(map[string]struct{}, len(m.Projects))
	for i, p := range m.Projects {
		if p.Name == "" {
			return fmt.Errorf("registry: project %d has no name", i)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("registry: project %q listed twice", p.Name)
		}
		seen[p.Name] = struct{}{}
		versions := make(map[string]struct{}, len(p.Versions))
		for j, v := range p.Versions {
			if v.Version == "" {
				return fmt.Errorf("registry: project %q version %d has no name", p.Name, j)
			}
			if _, dup := versions[v.Version]; dup {
				return fmt.Errorf("registry: project %q version %q listed twice", p.Name, v.Version)
			}
			versions[v.Version] = struct{}{}
		}
	}
	return nil
}

// FileRegistry is a Registry backed by a manifest file.
type FileRegistry struct {
	path string
	opts Options

	mu       sync.RWMutex
	manifest Manifest
	projects map[string]Project
}

// Load reads the manifest at path. A missing file yields an empty registry so
// the daemon can start before anything is deployed.
func Load(path string, opts Options) (*FileRegistry, error) {
	r := &FileRegistry{path: path, opts: opts}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// New builds a registry from an in-memory manifest. Reload is a no-op.
func New(m Manifest, opts Options) (*FileRegistry, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	r := &FileRegistry{opts: opts}
	r.set(m)
	return r, nil
}

// Reload re-reads the manifest file.
func (r *FileRegistry) Reload() error {
	if r.path == "" {
		return nil
	}
	data, err := os.ReadFile(r.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("registry: read %s: %w", r.path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return fmt.Errorf("registry: %s: %w", r.path, err)
	}
	r.set(m)
	return nil
}

func (r *FileRegistry) set(m Manifest) {
	projects := make(map[string]Project, len(m.Projects))
	for _, p := range m.Projects {
		projects[p.Name] = p
	}
	r.mu.Lock()
	r.manifest = m
	r.projects = projects
	r.mu.Unlock()
}

// ListProjects returns the registered project names, sorted.
func (r *FileRegistry) ListProjects(context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.projects))
	for name := range r.projects {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// ListVersions returns the versions of project, oldest first.
func (r *FileRegistry) ListVersions(_ context.Context, project string) ([]string, error) {
	p, err := r.project(project)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(p.Versions))
	for _, v := range p.Versions {
		out = append(out, v.Version)
	}
	return out, nil
}

// ListSpiders returns the spiders of a project version. An empty version
// means the latest one.
func (r *FileRegistry) ListSpiders(_ context.Context, project, version string) ([]string, error) {
	p, err := r.project(project)
	if err != nil {
		return nil, err
	}
	if len(p.Versions) == 0 && version == "" {
		return []string{}, nil
	}
	v, err := pickVersion(p, version)
	if err != nil {
		return nil, err
	}
	out := append([]string(nil), v.Spiders...)
	sort.Strings(out)
	return out, nil
}

// ResolveRunCommand builds the worker invocation for job:
//
//	<runner...> crawl <spider> -a _job=<id> [-s key=value ...]
func (r *FileRegistry) ResolveRunCommand(_ context.Context, job jobs.Job) (jobs.RunCommand, error) {
	p, err := r.project(job.Project)
	if err != nil {
		return jobs.RunCommand{}, err
	}
	if len(p.Versions) == 0 {
		return jobs.RunCommand{}, fmt.Errorf("%w: %s has no deployed version", jobs.ErrUnknownSpider, job.Project)
	}
	v, err := pickVersion(p, job.Version)
	if err != nil {
		return jobs.RunCommand{}, err
	}
	if !contains(v.Spiders, job.Spider) {
		return jobs.RunCommand{}, fmt.Errorf("%w: %s in %s@%s", jobs.ErrUnknownSpider, job.Spider, job.Project, v.Version)
	}

	runner := r.runner(v)
	if len(runner) == 0 {
		return jobs.RunCommand{}, fmt.Errorf("registry: no runner configured for %s", job.Project)
	}
	args := append([]string(nil), runner...)
	args = append(args, "crawl", job.Spider, "-a", "_job="+job.ID)
	keys := make([]string, 0, len(job.Settings))
	for k := range job.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-s", k+"="+job.Settings[k])
	}

	logFile, err := LogPath(r.opts.LogsDir, job.Project, job.Spider, job.ID)
	if err != nil {
		return jobs.RunCommand{}, err
	}
	env := map[string]string{
		"SCRAPY_PROJECT":   job.Project,
		"SCRAPYD_SPIDER":   job.Spider,
		"SCRAPYD_JOB":      job.ID,
		"SCRAPYD_VERSION":  v.Version,
		"SCRAPYD_PRIORITY": strconv.FormatFloat(job.Priority, 'f', -1, 64),
	}
	if logFile != "" {
		env["SCRAPYD_LOG_FILE"] = logFile
	}
	return jobs.RunCommand{Args: args, Env: env, LogFile: logFile}, nil
}

// LogPath is where the log of a job lives under dir, or "" when dir is empty.
// A path that would resolve outside dir is rejected with jobs.ErrInvalidJob.
func LogPath(dir, project, spider, jobID string) (string, error) {
	if dir == "" {
		return "", nil
	}
	cleanDir := filepath.Clean(dir)
	full := filepath.Join(cleanDir, project, spider, jobID+".log")
	if !strings.HasPrefix(full, cleanDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: log path for %s escapes %s", jobs.ErrInvalidJob, jobID, cleanDir)
	}
	return full, nil
}

func (r *FileRegistry) runner(v Version) []string {
	if len(v.Runner) > 0 {
		return v.Runner
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.manifest.Runner) > 0 {
		return r.manifest.Runner
	}
	return r.opts.Runner
}

func (r *FileRegistry) project(name string) (Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[name]
	if !ok {
		return Project{}, fmt.Errorf("%w: %s", jobs.ErrUnknownProject, name)
	}
	return p, nil
}

func pickVersion(p Project, version string) (Version, error) {
	if version == "" {
		if len(p.Versions) == 0 {
			return Version{}, fmt.Errorf("%w: %s has no deployed version", jobs.ErrUnknownVersion, p.Name)
		}
		return p.Versions[len(p.Versions)-1], nil
	}
	for _, v := range p.Versions {
		if v.Version == version {
			return v, nil
		}
	}
	return Version{}, fmt.Errorf("%w: %s@%s", jobs.ErrUnknownVersion, p.Name, version)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
