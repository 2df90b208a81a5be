package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

const (
	MaxConcurrentJobsPerIp = 2
	MaxJobsPerHour         = 10
	CpuSecondsPerMinute    = 10.0

	rateLimitIdleExpiry = time.Hour
)

// RateLimiter enforces the per-IP admission policy: concurrent jobs,
// hourly submissions and a sliding one-minute CPU budget. The sandbox
// engine performs no admission itself; jobs reach it only after this
// check approved them.
type RateLimiter struct {
	states *xsync.MapOf[string, *ipState]
	now    func() time.Time
}

type ipState struct {
	mu          sync.Mutex
	activeJobs  map[string]struct{}
	submissions []time.Time
	cpuUsage    []cpuSample
	lastSeen    time.Time
}

type cpuSample struct {
	at      time.Time
	seconds float64
}

type QuotaInfo struct {
	CanSubmit           bool    `json:"can_submit"`
	ActiveJobs          int     `json:"active_jobs"`
	JobsThisHour        int     `json:"jobs_this_hour"`
	CpuSecondsUsed      float64 `json:"cpu_seconds_used"`
	CpuSecondsAvailable float64 `json:"cpu_seconds_available"`
	Reason              string  `json:"reason,omitempty"`
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		states: xsync.NewMapOf[string, *ipState](),
		now:    time.Now,
	}
}

func (r *RateLimiter) state(ip string) *ipState {
	state, _ := r.states.LoadOrCompute(ip, func() *ipState {
		return &ipState{activeJobs: map[string]struct{}{}}
	})
	return state
}

// CheckQuota reports whether ip may submit another job right now.
func (r *RateLimiter) CheckQuota(ip string) QuotaInfo {
	now := r.now()
	state := r.state(ip)

	state.mu.Lock()
	defer state.mu.Unlock()
	state.lastSeen = now
	state.prune(now)

	info := QuotaInfo{
		ActiveJobs:   len(state.activeJobs),
		JobsThisHour: len(state.submissions),
	}

	if info.ActiveJobs >= MaxConcurrentJobsPerIp {
		info.Reason = fmt.Sprintf("Max concurrent jobs reached (%d)", MaxConcurrentJobsPerIp)
		return info
	}

	if info.JobsThisHour >= MaxJobsPerHour {
		info.Reason = fmt.Sprintf("Max jobs per hour reached (%d)", MaxJobsPerHour)
		return info
	}

	for _, sample := range state.cpuUsage {
		info.CpuSecondsUsed += sample.seconds
	}
	info.CpuSecondsAvailable = max(0, CpuSecondsPerMinute-info.CpuSecondsUsed)

	if info.CpuSecondsAvailable <= 0 {
		if len(state.cpuUsage) > 0 {
			wait := state.cpuUsage[0].at.Add(time.Minute).Sub(now)
			info.Reason = fmt.Sprintf("CPU quota exhausted, wait %d seconds", int(wait.Seconds()))
		} else {
			info.Reason = "CPU quota exhausted"
		}
		return info
	}

	info.CanSubmit = true
	return info
}

// RegisterJobStart records a submission; returns false when the
// concurrency cap would be exceeded (check and registration are atomic,
// unlike a separate CheckQuota call).
func (r *RateLimiter) RegisterJobStart(ip, jobId string) bool {
	now := r.now()
	state := r.state(ip)

	state.mu.Lock()
	defer state.mu.Unlock()
	state.lastSeen = now
	state.prune(now)

	if len(state.activeJobs) >= MaxConcurrentJobsPerIp {
		return false
	}

	state.activeJobs[jobId] = struct{}{}
	state.submissions = append(state.submissions, now)
	return true
}

// RegisterJobEnd releases the concurrency slot and charges the consumed
// CPU time against the sliding budget.
func (r *RateLimiter) RegisterJobEnd(ip, jobId string, cpuSeconds float64) {
	now := r.now()
	state := r.state(ip)

	state.mu.Lock()
	defer state.mu.Unlock()
	state.lastSeen = now
	delete(state.activeJobs, jobId)
	if cpuSeconds > 0 {
		state.cpuUsage = append(state.cpuUsage, cpuSample{at: now, seconds: cpuSeconds})
	}
}

// Cleanup drops state for IPs idle longer than an hour.
func (r *RateLimiter) Cleanup() {
	now := r.now()
	r.states.Range(func(ip string, state *ipState) bool {
		state.mu.Lock()
		idle := len(state.activeJobs) == 0 && now.Sub(state.lastSeen) > rateLimitIdleExpiry
		state.mu.Unlock()
		if idle {
			r.states.Delete(ip)
		}
		return true
	})
}

func (s *ipState) prune(now time.Time) {
	hourAgo := now.Add(-time.Hour)
	for len(s.submissions) > 0 && s.submissions[0].Before(hourAgo) {
		s.submissions = s.submissions[1:]
	}

	minuteAgo := now.Add(-time.Minute)
	for len(s.cpuUsage) > 0 && s.cpuUsage[0].at.Before(minuteAgo) {
		s.cpuUsage = s.cpuUsage[1:]
	}
}
