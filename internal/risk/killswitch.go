package risk

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"btcarb/internal/config"
)

// KillSwitch is the emergency stop. Three channels activate it with the same
// effect: presence of the sentinel file, an authenticated API call, or a
// direct Activate call. The sentinel file is the ground truth across
// restarts and keeps working even when the process ignores API calls.
type KillSwitch struct {
	token    string // configured bearer token; empty rejects everything
	killFile string
	log      *slog.Logger

	mu          sync.Mutex
	active      bool
	activatedAt time.Time
	reason      string
}

// NewKillSwitch creates the switch and honors a pre-existing sentinel file,
// so a killed bot comes back up halted.
func NewKillSwitch(cfg config.SecurityConfig, log *slog.Logger) *KillSwitch {
	ks := &KillSwitch{
		token:    cfg.KillSwitchToken,
		killFile: cfg.KillFilePath,
		log:      log.With("component", "killswitch"),
	}

	if _, err := os.Stat(ks.killFile); err == nil {
		ks.active = true
		ks.reason = "kill switch file found on startup"
		ks.activatedAt = time.Now().UTC()
		ks.log.Error("kill switch active on startup", "file", ks.killFile)
	}
	return ks
}

// Activate engages the switch and writes the sentinel file (best effort) so
// restarts come up halted. Activating an already-active switch keeps the
// original activation time and reason.
func (ks *KillSwitch) Activate(reason string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if !ks.active {
		ks.active = true
		ks.activatedAt = time.Now().UTC()
		ks.reason = reason
	}

	content := fmt.Sprintf("KILL SWITCH ACTIVATED\nTime: %s\nReason: %s\n",
		ks.activatedAt.Format(time.RFC3339), ks.reason)
	if err := os.WriteFile(ks.killFile, []byte(content), 0o644); err != nil {
		ks.log.Error("failed to write kill switch file", "error", err)
	}

	ks.log.Error("kill switch activated", "reason", ks.reason, "at", ks.activatedAt)
}

// Deactivate disengages the switch and removes the sentinel file (best effort).
func (ks *KillSwitch) Deactivate(reason string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.active = false
	ks.activatedAt = time.Time{}
	ks.reason = ""

	if err := os.Remove(ks.killFile); err != nil && !os.IsNotExist(err) {
		ks.log.Error("failed to remove kill switch file", "error", err)
	}

	ks.log.Info("kill switch deactivated", "reason", reason)
}

// IsActive reports whether the switch is engaged. The sentinel file is also
// consulted, so a file dropped at runtime halts trading without an API call.
func (ks *KillSwitch) IsActive() bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if _, err := os.Stat(ks.killFile); err == nil {
		if !ks.active {
			ks.active = true
			ks.reason = "kill switch file detected"
			ks.activatedAt = time.Now().UTC()
			ks.log.Error("kill switch file detected at runtime", "file", ks.killFile)
		}
		return true
	}
	return ks.active
}

// ValidateToken compares a caller-supplied token against the configured one
// in constant time. An unconfigured token rejects every request, and the
// result never reveals which side was wrong.
func (ks *KillSwitch) ValidateToken(provided string) bool {
	if ks.token == "" {
		ks.log.Warn("kill switch token not configured, rejecting request")
		return false
	}
	if provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(ks.token)) == 1
}

// KillStatus is the monitoring view of the switch. It never exposes the
// token or the sentinel path.
type KillStatus struct {
	IsActive       bool       `json:"is_active"`
	Reason         string     `json:"reason,omitempty"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty"`
	KillFileExists bool       `json:"kill_file_exists"`
}

// Status returns the switch state for the operator surface.
func (ks *KillSwitch) Status() KillStatus {
	active := ks.IsActive()

	ks.mu.Lock()
	defer ks.mu.Unlock()

	st := KillStatus{IsActive: active}
	if active {
		st.Reason = ks.reason
	}
	if !ks.activatedAt.IsZero() {
		at := ks.activatedAt
		st.ActivatedAt = &at
	}
	if _, err := os.Stat(ks.killFile); err == nil {
		st.KillFileExists = true
	}
	return st
}
