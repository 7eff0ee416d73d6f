package domain

import (
	"encoding/binary"
	"strconv"

	"github.com/google/uuid"
)

const (
	ProjectIDPrefix     = "p"
	EnvironmentIDPrefix = "e"
)

// NewID returns a random identifier such as "p_3k2j9x0a1bq".
func NewID(prefix string) string {
	u := uuid.New()
	return prefix + "_" + strconv.FormatUint(binary.BigEndian.Uint64(u[:8]), 36)
}
