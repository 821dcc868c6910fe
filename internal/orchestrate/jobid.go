package orchestrate

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// NewJobID returns a job identifier of the form tj_<unixmilli>_<8 hex>.
// The embedded timestamp lets status resolution tell a just-created job
// whose row has not landed yet from a genuinely unknown one.
func NewJobID() string {
	buf := make([]byte, 4)
	rand.Read(buf)
	return "tj_" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "_" + hex.EncodeToString(buf)
}

// JobIDTime extracts the creation timestamp embedded in a job ID.
// Returns false for anything that does not parse as a scribed job ID.
func JobIDTime(jobID string) (time.Time, bool) {
	parts := strings.Split(jobID, "_")
	if len(parts) != 3 || parts[0] != "tj" || len(parts[2]) != 8 {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
