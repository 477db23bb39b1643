package models

// Task statuses used throughout the codebase.
const (
	TaskBlocked    = "BLOCKED"
	TaskPending    = "PENDING"
	TaskInProgress = "IN_PROGRESS"
	TaskDone       = "DONE"
)

// Task types.
const (
	TaskStandard = "standard"
	TaskStanding = "standing"
)

// Mission statuses.
const (
	MissionInProgress = "IN_PROGRESS"
	MissionDone       = "DONE"
)

// Agent registry statuses.
const (
	AgentStarting = "STARTING"
	AgentRunning  = "RUNNING"
	AgentIdle     = "IDLE"
	AgentDead     = "DEAD"
)

// Round verdicts and transaction states.
const (
	VerdictPass = "PASS"
	VerdictFail = "FAIL"

	TxOpen      = "OPEN"
	TxCommitted = "COMMITTED"
	TxDiscarded = "DISCARDED"
)

// Default limits and timings.
const (
	DefaultClaimRetries      = 3   // claim attempts before surfacing the conflict
	DefaultLockTimeoutSecs   = 30  // how long to wait for a file lock
	DefaultSpawnTimeoutSecs  = 15  // handshake window for spawned workers
	DefaultStartingGraceSecs = 30  // STARTING records are not PID-checked before this
	DefaultLivenessSecs      = 120 // stale last_activity beyond this means DEAD
)
