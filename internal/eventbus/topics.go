package eventbus

// Event types published by the moderation core and its helpers.
const (
	ModerationAction     = "moderation.action"
	ModerationStepFailed = "moderation.step_failed"

	SanctionCreated    = "sanction.created"
	SanctionLifted     = "sanction.lifted"
	SanctionLiftFailed = "sanction.lift_failed"

	ConfigReloaded = "config.reloaded"

	ModLogQueued  = "modlog.queued"
	ModLogSent    = "modlog.sent"
	ModLogFailed  = "modlog.failed"
	ModLogDropped = "modlog.dropped"
	ModLogDeduped = "modlog.deduped"
)
