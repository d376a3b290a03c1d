/**
 * @description
 * This file defines the core domain models for session tracking: the per-tab
 * Session record, the logout configuration, and the small enums that describe
 * the logout state machine and the reasons a session ends.
 *
 * @notes
 * - Durations are carried as time.Duration internally; the persisted and wire
 *   formats use milliseconds to stay compatible with the dashboard front-end.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// DefaultWarningLead is how long before the logout deadline the warning is raised.
const DefaultWarningLead = 60 * time.Second

// LogoutState is the state of a tab's logout scheduler.
type LogoutState int

const (
	LogoutActive LogoutState = iota
	LogoutWarningShown
	LogoutExpired
)

func (s LogoutState) String() string {
	switch s {
	case LogoutActive:
		return "active"
	case LogoutWarningShown:
		return "warning_shown"
	case LogoutExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ExpiryReason explains why a session ended.
type ExpiryReason string

const (
	ReasonIdleTimeout     ExpiryReason = "idle_timeout"
	ReasonVisibilityCheck ExpiryReason = "visibility_check"
	ReasonUserLogout      ExpiryReason = "user_logout"
	ReasonIdentityChanged ExpiryReason = "identity_changed"
	ReasonTabClosed       ExpiryReason = "tab_closed"
)

// ActivitySource names the kind of interaction that produced an activity event.
type ActivitySource string

const (
	ActivityPointer ActivitySource = "pointer"
	ActivityKey     ActivitySource = "key"
	ActivityScroll  ActivitySource = "scroll"
	ActivityTouch   ActivitySource = "touch"
	ActivityFocus   ActivitySource = "focus"
)

// ParseActivitySource maps a wire value to an ActivitySource.
func ParseActivitySource(raw string) (ActivitySource, bool) {
	switch ActivitySource(raw) {
	case ActivityPointer, ActivityKey, ActivityScroll, ActivityTouch, ActivityFocus:
		return ActivitySource(raw), true
	default:
		return "", false
	}
}

// Session is created on sign-in for a single dashboard tab and destroyed on sign-out.
type Session struct {
	ID             uuid.UUID  `json:"id"`
	IdentityID     string     `json:"identity_id"`
	TabID          uuid.UUID  `json:"tab_id"`
	StartedAt      time.Time  `json:"started_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	LogoutDeadline *time.Time `json:"logout_deadline,omitempty"`
	WarningActive  bool       `json:"warning_active"`
}

// LogoutConfig holds the idle-logout settings for one identity. A zero Timeout
// disables automatic logout.
type LogoutConfig struct {
	Timeout     time.Duration `json:"timeout"`
	WarningLead time.Duration `json:"warning_lead"`
}

// Enabled reports whether automatic logout is active.
func (c LogoutConfig) Enabled() bool {
	return c.Timeout > 0
}

// WarningStatus is what a warning dialog needs to render its countdown.
type WarningStatus struct {
	Visible   bool          `json:"visible"`
	Remaining time.Duration `json:"remaining"`
}
