// ABOUTME: Task types, status state machine, and boundary validation
// ABOUTME: The closed schema consumed by both the gateway and the polling agent

package task

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Type identifies the kind of social-platform action a task performs.
type Type string

// Supported task types.
const (
	TypePost    Type = "post"
	TypeLike    Type = "like"
	TypeComment Type = "comment"
	TypeShare   Type = "share"
	TypeStory   Type = "story"
)

// Types lists all supported task types.
var Types = []Type{TypePost, TypeLike, TypeComment, TypeShare, TypeStory}

// Status is the task lifecycle state.
type Status string

// Task lifecycle states. A scheduled task becomes pending once its
// scheduled_at time elapses; cancelled is terminal and reachable from
// any non-terminal state.
const (
	StatusScheduled  Status = "scheduled"
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
// A failed task is terminal from the agent's point of view; the retry
// policy may still move it back to pending server-side.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// transitions is the legal state machine. fail is listed from assigned
// as well as in_progress: an agent may fail a task it never started.
var transitions = map[Status][]Status{
	StatusScheduled:  {StatusPending, StatusAssigned, StatusCancelled},
	StatusPending:    {StatusAssigned, StatusCancelled},
	StatusAssigned:   {StatusInProgress, StatusFailed, StatusCancelled},
	StatusInProgress: {StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:     {StatusPending, StatusCancelled},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Platform is a supported social platform identifier.
type Platform string

// Supported platforms.
const (
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformTwitter   Platform = "twitter"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformTikTok    Platform = "tiktok"
)

// Platforms lists all supported platforms.
var Platforms = []Platform{PlatformFacebook, PlatformInstagram, PlatformTwitter, PlatformLinkedIn, PlatformTikTok}

// PlatformURLs maps each supported platform to its base URL, used by
// executors to open the right site and by the vault to scope cookies.
var PlatformURLs = map[Platform]string{
	PlatformFacebook:  "https://www.facebook.com",
	PlatformInstagram: "https://www.instagram.com",
	PlatformTwitter:   "https://twitter.com",
	PlatformLinkedIn:  "https://www.linkedin.com",
	PlatformTikTok:    "https://www.tiktok.com",
}

// ValidPlatform reports whether p is a supported platform.
func ValidPlatform(p Platform) bool {
	_, ok := PlatformURLs[p]
	return ok
}

// ValidType reports whether t is a supported task type.
func ValidType(t Type) bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// MaxContentLength is the maximum length of a task's text content.
const MaxContentLength = 5000

// DefaultMaxRetries is the number of re-dispatches a failed task gets
// before it is left failed permanently.
const DefaultMaxRetries = 3

// DefaultPriority is assigned when the producer does not set one.
const DefaultPriority = 5

// Task is a unit of social-platform work dispatched to exactly one
// agent at a time.
type Task struct {
	ID          string     `json:"id"`
	UserID      string     `json:"-"`
	AgentID     *string    `json:"-"`
	Platform    Platform   `json:"platform"`
	Type        Type       `json:"task_type"`
	Status      Status     `json:"status,omitempty"`
	Priority    int        `json:"priority"`
	Content     string     `json:"content"`
	TargetURL   string     `json:"target_url,omitempty"`
	MediaURLs   []string   `json:"media_urls"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	AssignedAt  *time.Time `json:"-"`
	StartedAt   *time.Time `json:"-"`
	CompletedAt *time.Time `json:"-"`
	CreatedAt   time.Time  `json:"-"`
	ErrorMsg    string     `json:"-"`
	Result      string     `json:"-"`
	RetryCount  int        `json:"-"`
	MaxRetries  int        `json:"-"`
}

// ValidationError describes a policy-violating field on a task. It is
// surfaced to producers immediately; an agent receiving an invalid task
// reports it failed rather than executing it.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// blockedHosts are never allowed in media or target URLs. The check is
// suffix-free and exact: a CDN named "notlocalhost.example.com" passes.
var blockedHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"0.0.0.0":   true,
}

// Validate checks t against the closed schema. It is the single
// validation boundary: the producer API calls it before persisting and
// the agent calls it again on every received task before execution.
func Validate(t *Task) error {
	if !ValidPlatform(t.Platform) {
		return &ValidationError{Field: "platform", Reason: fmt.Sprintf("unknown platform %q", t.Platform)}
	}
	if !ValidType(t.Type) {
		return &ValidationError{Field: "task_type", Reason: fmt.Sprintf("unknown task type %q", t.Type)}
	}
	if len(t.Content) > MaxContentLength {
		return &ValidationError{Field: "content", Reason: fmt.Sprintf("exceeds %d characters", MaxContentLength)}
	}
	if t.TargetURL != "" {
		if err := validateURL("target_url", t.TargetURL); err != nil {
			return err
		}
	}
	for _, u := range t.MediaURLs {
		if err := validateURL("media_urls", u); err != nil {
			return err
		}
	}
	if t.Priority < 0 {
		return &ValidationError{Field: "priority", Reason: "must not be negative"}
	}
	return nil
}

// validateURL enforces the HTTPS-only, no-loopback policy on a single URL.
func validateURL(field, raw string) error {
	if strings.HasPrefix(strings.ToLower(raw), "file://") {
		return &ValidationError{Field: field, Reason: "file URLs are not allowed"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("unparseable URL %q", raw)}
	}
	if u.Scheme != "https" {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("URL %q must use https", raw)}
	}
	if blockedHosts[strings.ToLower(u.Hostname())] {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("host %q is not allowed", u.Hostname())}
	}
	return nil
}

// Normalize lowercases the platform and type fields so validation and
// storage see canonical values. Producers send mixed case freely.
func Normalize(t *Task) {
	t.Platform = Platform(strings.ToLower(string(t.Platform)))
	t.Type = Type(strings.ToLower(string(t.Type)))
	if t.Priority == 0 {
		t.Priority = DefaultPriority
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = DefaultMaxRetries
	}
}
