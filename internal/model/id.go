package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

// RecordKind prefixes the ids of on-disk records.
type RecordKind string

const (
	KindCommand RecordKind = "cmd"
	KindTask    RecordKind = "task"
)

var recordIDPattern = regexp.MustCompile(`^(cmd|task)_[0-9]{10}_[0-9a-f]{8}$`)

// NewRecordID returns "<kind>_<unix seconds at now>_<8 random hex>", e.g.
// cmd_1771722000_a3f2b7c1.
func NewRecordID(kind RecordKind, now time.Time) (string, error) {
	switch kind {
	case KindCommand, KindTask:
	default:
		return "", fmt.Errorf("unknown record kind %q", kind)
	}
	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("read random suffix: %w", err)
	}
	return fmt.Sprintf("%s_%010d_%s", kind, now.Unix(), hex.EncodeToString(suffix[:])), nil
}

func IsRecordID(id string) bool {
	return recordIDPattern.MatchString(id)
}
