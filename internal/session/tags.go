package session

import "github.com/google/uuid"

// TagGenerator generates unique session tags for log correlation.
// Production sessions use UUIDv7Generator; tests substitute the fixed
// generator from internal/testutil.
type TagGenerator interface {
	Generate() string
}

// UUIDv7Generator tags sessions with UUIDv7 values. The embedded
// timestamp makes tags sort by session start time, so interleaved logs
// from many connections group naturally.
//
// Thread-safety: stateless, safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a fresh hyphenated UUIDv7 tag.
//
// UUIDv7 generation can only fail if the process's entropy source
// does; a diagnostic label is not worth failing a session over, so the
// generator degrades to a random (v4) tag in that case.
func (g UUIDv7Generator) Generate() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
