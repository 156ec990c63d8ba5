package broker

import (
	"encoding/json"
	"time"
)

// DefaultNamespace is used when a request omits its namespace.
const DefaultNamespace = "default"

// Task is a unit of crawl work. (Namespace, Key) is unique.
type Task struct {
	ID          string          `json:"id"`
	Namespace   string          `json:"namespace"`
	Key         string          `json:"key"`
	Variant     string          `json:"variant"`
	Data        json.RawMessage `json:"data,omitempty"`
	Description string          `json:"description,omitempty"`
	CompleterID *string         `json:"completerID"`
	StartTime   *time.Time      `json:"startTime"`
	Completed   bool            `json:"completed"`
	RefererID   *string         `json:"refererID"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Unassigned reports whether no worker has acquired the task yet.
func (t Task) Unassigned() bool {
	return t.CompleterID == nil
}

// HeldBy reports whether clientID currently holds the task.
func (t Task) HeldBy(clientID string) bool {
	return t.CompleterID != nil && *t.CompleterID == clientID
}

// Client is a worker process registered with the broker.
type Client struct {
	ID            string    `json:"id"`
	Namespace     string    `json:"namespace"`
	Variant       string    `json:"variant"`
	Online        bool      `json:"online"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Concurrency   int       `json:"concurrency"`
	Running       int       `json:"running"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Artifact is a content-addressed blob registered against a namespace.
type Artifact struct {
	ID          string    `json:"id"`
	Namespace   string    `json:"namespace"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Type        string    `json:"type"`
	Path        string    `json:"path"`
	TaskID      *string   `json:"taskID,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ArtifactTypeRobots marks artifacts that hold a host's robots.txt.
const ArtifactTypeRobots = "robots"

// TaskFilter narrows task listings. Zero values mean "any".
type TaskFilter struct {
	Namespace   string
	Variant     string
	CompleterID string
	// Unassigned restricts results to tasks no worker holds.
	Unassigned bool
	// Open restricts results to tasks that are not completed.
	Open   bool
	Limit  int
	Offset int
	// Newest orders by creation time descending instead of ascending.
	Newest bool
}

// Capability tags advertised by workers. They are informational and never
// used to filter acquisition.
const (
	CapIPIsVPN         = "cap_ip_is_vpn"
	CapIPIsTor         = "cap_ip_is_tor"
	CapIPIsResidential = "cap_ip_is_residential"
	CapIPIsDatacenter  = "cap_ip_is_datacenter"
	CapHeadless        = "cap_headless"
	CapHeadful         = "cap_headful"
	CapHTTPRequests    = "cap_http_requests"
	CapBypassNone      = "cap_bypass_none"
	CapBypassCaptchas  = "cap_bypass_captchas"
)

// KnownCapabilities lists every recognised capability tag.
var KnownCapabilities = []string{
	CapIPIsVPN, CapIPIsTor, CapIPIsResidential, CapIPIsDatacenter,
	CapHeadless, CapHeadful, CapHTTPRequests,
	CapBypassNone, CapBypassCaptchas,
}

// NamespaceOr returns ns, or fallback when ns is empty.
func NamespaceOr(ns, fallback string) string {
	if ns != "" {
		return ns
	}
	if fallback != "" {
		return fallback
	}
	return DefaultNamespace
}
