package queue

import "time"

// Enqueue sources, recorded for logging and retry bookkeeping.
const (
	SourceIngress    = "ingress"
	SourceRetry      = "retry"
	SourceReconciler = "reconciler"
	SourceHeal       = "reconciler_heal"
	SourcePeerSync   = "peer_sync"
)

// SaveItem is one zone write. TargetBackends is empty for a normal push (all
// enabled backends) and scoped for healing and retries.
type SaveItem struct {
	Domain         string   `json:"domain"`
	ZoneData       string   `json:"zone_data"`
	Hostname       string   `json:"hostname"`
	Username       string   `json:"username"`
	TargetBackends []string `json:"target_backends,omitempty"`
	Source         string   `json:"source"`
}

// DeleteItem is one zone removal. Hostname is the owning upstream at
// delete-issue time; the ingress has already verified ownership.
type DeleteItem struct {
	Domain   string `json:"domain"`
	Hostname string `json:"hostname"`
	Source   string `json:"source"`
}

// Retry kinds.
const (
	KindSave   = "save"
	KindDelete = "delete"
)

// RetryItem wraps a failed save or delete with its remaining backend set and
// backoff state.
type RetryItem struct {
	Kind         string      `json:"kind"`
	Save         *SaveItem   `json:"save,omitempty"`
	Delete       *DeleteItem `json:"delete,omitempty"`
	Backends     []string    `json:"backends"`
	Attempt      int         `json:"attempt"`
	NotBefore    time.Time   `json:"not_before"`
	FirstFailure time.Time   `json:"first_failure"`
	Cause        string      `json:"cause"`
}

func (r *RetryItem) ZoneName() string {
	switch r.Kind {
	case KindSave:
		if r.Save != nil {
			return r.Save.Domain
		}
	case KindDelete:
		if r.Delete != nil {
			return r.Delete.Domain
		}
	}
	return ""
}
