package codes

import "github.com/dataferry/dataferry/pkg/errors/coded"

var (
	// generic
	ConnectionLost    = coded.Register("generic", "connection_lost")
	InvalidCredential = coded.Register("generic", "invalid_credentials")
	NotFound          = coded.Register("generic", "not_found")
	Timeout           = coded.Register("generic", "timeout")
	Unspecified       = coded.Register("unspecified")

	// data
	TypeMismatch        = coded.Register("data", "type_mismatch")
	ConstraintViolation = coded.Register("data", "constraint_violation")

	// planner
	NoPrimaryKey         = coded.Register("planner", "no_primary_key")
	NonIntegerPrimaryKey = coded.Register("planner", "non_integer_primary_key")
	MappingIncomplete    = coded.Register("planner", "mapping_incomplete")

	// catalog
	StoreUnavailable = coded.Register("catalog", "unavailable")
	ChunkNotOwned    = coded.Register("catalog", "chunk_not_owned")

	// worker
	HeartbeatTimeout = coded.Register("worker", "heartbeat_timeout")
)

// Terminal reports whether a chunk failure carrying this code must not be
// retried automatically. Retrying bad credentials or a schema defect only
// burns attempts.
func Terminal(c coded.Code) bool {
	switch c {
	case InvalidCredential, TypeMismatch, ConstraintViolation:
		return true
	}
	return false
}
