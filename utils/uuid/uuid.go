// Package uuid provides record ID generation and test utilities.
package uuid

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IDers generate identifiers.
type IDer interface {
	ID() string
}

// suffixLen is the number of hex characters of a UUID used as the random
// suffix of a timestamp ID.
const suffixLen = 9

// TimestampIDs generates IDs of the form <unix-millis>-<random suffix>.
// The suffix is lowercase hex taken from a random UUID.
type TimestampIDs struct {
	now func() time.Time
}

// NewTimestampIDs creates a new timestamp ID generator.
// If now is nil then time.Now is used.
func NewTimestampIDs(now func() time.Time) *TimestampIDs {
	if now == nil {
		now = time.Now
	}
	return &TimestampIDs{now: now}
}

// ID generates a new timestamp ID.
func (t *TimestampIDs) ID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLen]
	return strconv.FormatInt(t.now().UnixMilli(), 10) + "-" + suffix
}

// StaticIDs is an ID generator that cycles through provided IDs.
type StaticIDs struct {
	ids []string
	i   int
}

// NewStaticIDs creates a new static ID generator.
func NewStaticIDs(ids ...string) *StaticIDs {
	return &StaticIDs{ids: ids}
}

// ID returns the next ID.
// It will continually cycle through the IDs.
func (s *StaticIDs) ID() string {
	id := s.ids[s.i%len(s.ids)]
	s.i++
	return id
}
