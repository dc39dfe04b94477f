// Package inspect renders a single job session as a terminal report.
package inspect

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/scoutdesk/jobgate/internal/session"
)

// Report is the structured JSON representation of a session report.
type Report struct {
	SessionID     string           `json:"session_id"`
	ExternalJobID string           `json:"external_job_id,omitempty"`
	Kind          string           `json:"kind,omitempty"`
	OwnerID       string           `json:"owner_id,omitempty"`
	Status        string           `json:"status"`
	Progress      int              `json:"progress_percent"`
	Phase         string           `json:"phase,omitempty"`
	Error         string           `json:"error,omitempty"`
	Runtime       string           `json:"runtime,omitempty"`
	Idle          string           `json:"idle,omitempty"`
	Counters      map[string]int64 `json:"counters"`
	Activity      []Step           `json:"activity"`
}

// Step is one activity log entry with its offset from the job start.
type Step struct {
	Offset  string `json:"offset"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// BuildReport renders a terminal-friendly report for a session.
func BuildReport(s *session.JobSession, now time.Time) string {
	report := gatherReportData(s, now)

	var out strings.Builder
	fmt.Fprintf(&out, "Session Report\n")
	fmt.Fprintf(&out, "Session ID  : %s\n", report.SessionID)
	fmt.Fprintf(&out, "Job ID      : %s\n", orNone(report.ExternalJobID))
	fmt.Fprintf(&out, "Kind        : %s\n", orNone(report.Kind))
	fmt.Fprintf(&out, "Owner       : %s\n", orNone(report.OwnerID))
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	if report.Phase != "" {
		fmt.Fprintf(&out, "Progress    : %d%% (%s)\n", report.Progress, report.Phase)
	} else {
		fmt.Fprintf(&out, "Progress    : %d%%\n", report.Progress)
	}
	if report.Runtime != "" {
		fmt.Fprintf(&out, "Runtime     : %s\n", report.Runtime)
	}
	if report.Idle != "" {
		fmt.Fprintf(&out, "Idle        : %s\n", report.Idle)
	}
	if report.Error != "" {
		fmt.Fprintf(&out, "Error       : %s\n", report.Error)
	}
	fmt.Fprintf(&out, "\n")

	if len(report.Counters) == 0 {
		fmt.Fprintf(&out, "counters : <none>\n")
	} else {
		fmt.Fprintf(&out, "counters :\n")
		names := make([]string, 0, len(report.Counters))
		for name := range report.Counters {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&out, "  %-20s %d\n", name, report.Counters[name])
		}
	}
	fmt.Fprintf(&out, "\n")

	if len(report.Activity) == 0 {
		fmt.Fprintf(&out, "activity : <none>\n")
	} else {
		fmt.Fprintf(&out, "activity :\n")
		for _, step := range report.Activity {
			fmt.Fprintf(&out, "  [%8s] %-10s %s\n", step.Offset, step.Kind, step.Message)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n"
}

// BuildJSONReport returns the machine-readable session report.
func BuildJSONReport(s *session.JobSession, now time.Time) (string, error) {
	data, err := json.MarshalIndent(gatherReportData(s, now), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(s *session.JobSession, now time.Time) *Report {
	report := &Report{
		SessionID:     s.SessionID,
		ExternalJobID: s.ExternalJobID,
		Kind:          string(s.Kind),
		OwnerID:       s.OwnerID,
		Status:        string(s.Status),
		Progress:      s.ProgressPercent,
		Phase:         s.Phase,
		Error:         s.ErrorMessage,
		Counters:      s.Counters,
		Activity:      make([]Step, 0, len(s.ActivityLog)),
	}
	if report.Counters == nil {
		report.Counters = map[string]int64{}
	}

	start := s.CreatedAt
	if s.StartedAt != nil {
		start = *s.StartedAt
		end := now
		if s.CompletedAt != nil {
			end = *s.CompletedAt
		}
		report.Runtime = roundDuration(end.Sub(start))
	}
	if !s.Status.Terminal() {
		last := s.CreatedAt
		if s.LastHeartbeatAt != nil {
			last = *s.LastHeartbeatAt
		}
		report.Idle = roundDuration(now.Sub(last))
	}

	for _, entry := range s.ActivityLog {
		report.Activity = append(report.Activity, Step{
			Offset:  roundDuration(entry.At.Sub(start)),
			Kind:    entry.Kind,
			Message: entry.Message,
		})
	}
	return report
}

func roundDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}

func orNone(v string) string {
	if v == "" {
		return "<none>"
	}
	return v
}
