package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawld/internal/jobs"
	"github.com/JakeFAU/crawld/internal/scheduler"
)

const timeLayout = "2006-01-02 15:04:05.000000"

var errBadRequest = errors.New("bad request")

// reserved form keys that are not spider settings.
var reserved = map[string]struct{}{
	"project": {}, "spider": {}, "priority": {}, "_version": {}, "jobid": {}, "setting": {},
}

func (s *Server) schedule(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		s.fail(w, r, err)
		return
	}
	project, err := required(r, "project")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	spider, err := required(r, "spider")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	priority := 0.0
	if raw := r.Form.Get("priority"); raw != "" {
		priority, err = strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(priority) {
			s.fail(w, r, fmt.Errorf("%w: priority %q is not a number", errBadRequest, raw))
			return
		}
	}
	jobID := r.Form.Get("jobid")
	if jobID != "" {
		if err := jobs.ValidateID(jobID); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	settings := jobs.Settings{}
	for _, kv := range r.Form["setting"] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			s.fail(w, r, fmt.Errorf("%w: setting %q must be key=value", errBadRequest, kv))
			return
		}
		settings[k] = v
	}
	var ignored []string
	for key := range r.Form {
		if _, ok := reserved[key]; !ok {
			ignored = append(ignored, key)
		}
	}
	if len(ignored) > 0 {
		sort.Strings(ignored)
		s.logger.Debug("ignoring spider arguments", zap.Strings("keys", ignored))
	}

	jobID, err = s.svc.Schedule(r.Context(), scheduler.Request{
		Project:  project,
		Spider:   spider,
		Version:  r.Form.Get("_version"),
		Priority: priority,
		JobID:    jobID,
		Settings: settings,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeOK(w, map[string]any{"jobid": jobID})
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		s.fail(w, r, err)
		return
	}
	project, err := required(r, "project")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jobID, err := required(r, "job")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	prev, err := s.svc.Cancel(r.Context(), project, jobID, r.Form.Get("signal"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var prevstate any
	if prev != jobs.StateNone {
		prevstate = string(prev)
	}
	s.writeOK(w, map[string]any{"prevstate": prevstate})
}

func (s *Server) daemonStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.Status(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeOK(w, map[string]any{
		"pending":  status.Pending,
		"running":  status.Running,
		"finished": status.Finished,
	})
}

type pendingView struct {
	ID       string        `json:"id"`
	Project  string        `json:"project"`
	Spider   string        `json:"spider"`
	Version  string        `json:"version,omitempty"`
	Priority float64       `json:"priority"`
	Settings jobs.Settings `json:"settings,omitempty"`
}

type runningView struct {
	ID        string `json:"id"`
	Project   string `json:"project"`
	Spider    string `json:"spider"`
	PID       int    `json:"pid"`
	StartTime string `json:"start_time"`
	LogURL    string `json:"log_url,omitempty"`
}

type finishedView struct {
	ID        string `json:"id"`
	Project   string `json:"project"`
	Spider    string `json:"spider"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Outcome   string `json:"outcome"`
	ExitCode  int    `json:"exit_code"`
	Error     string `json:"error,omitempty"`
	LogURL    string `json:"log_url,omitempty"`
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	listing, err := s.svc.ListJobs(r.Context(), r.URL.Query().Get("project"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	pending := make([]pendingView, 0, len(listing.Pending))
	for _, job := range listing.Pending {
		pending = append(pending, pendingView{
			ID:       job.ID,
			Project:  job.Project,
			Spider:   job.Spider,
			Version:  job.Version,
			Priority: job.Priority,
			Settings: job.Settings,
		})
	}
	running := make([]runningView, 0, len(listing.Running))
	for _, job := range listing.Running {
		running = append(running, runningView{
			ID:        job.ID,
			Project:   job.Project,
			Spider:    job.Spider,
			PID:       job.PID,
			StartTime: formatTime(job.StartedAt),
			LogURL:    s.logURL(job.Project, job.Spider, job.ID, job.LogFile),
		})
	}
	finished := make([]finishedView, 0, len(listing.Finished))
	for _, job := range listing.Finished {
		finished = append(finished, finishedView{
			ID:        job.ID,
			Project:   job.Project,
			Spider:    job.Spider,
			StartTime: formatTime(job.StartedAt),
			EndTime:   formatTime(job.EndedAt),
			Outcome:   string(job.Status.Outcome),
			ExitCode:  job.Status.Code,
			Error:     job.Status.Error,
			LogURL:    s.logURL(job.Project, job.Spider, job.ID, job.LogFile),
		})
	}
	s.writeOK(w, map[string]any{
		"pending":  pending,
		"running":  running,
		"finished": finished,
	})
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.svc.ListProjects(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeOK(w, map[string]any{"projects": nonNil(projects)})
}

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	project, err := required(r, "project")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	versions, err := s.svc.ListVersions(r.Context(), project)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeOK(w, map[string]any{"versions": nonNil(versions)})
}

func (s *Server) listSpiders(w http.ResponseWriter, r *http.Request) {
	project, err := required(r, "project")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	spiders, err := s.svc.ListSpiders(r.Context(), project, r.URL.Query().Get("_version"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeOK(w, map[string]any{"spiders": nonNil(spiders)})
}

// logURL links to a job log when log files are enabled and one was written.
func (s *Server) logURL(project, spider, jobID, logFile string) string {
	if s.opts.LogsDir == "" || logFile == "" {
		return ""
	}
	return path.Join("/logs", project, spider, jobID+".log")
}

func parseForm(r *http.Request) error {
	if err := r.ParseMultipartForm(1 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func required(r *http.Request, key string) (string, error) {
	if r.Form == nil {
		if err := r.ParseForm(); err != nil {
			return "", fmt.Errorf("%w: %v", errBadRequest, err)
		}
	}
	v := strings.TrimSpace(r.Form.Get(key))
	if v == "" {
		return "", fmt.Errorf("%w: '%s' parameter is required", errBadRequest, key)
	}
	return v, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
