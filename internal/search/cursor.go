package search

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/agent-mail/agentmail/internal/apperr"
)

// Cursor is an opaque pagination token of form "s<hex f64 bits>:i<doc_id>".
// Encoding the score as raw IEEE-754 hex bits makes the
// round-trip byte-identical.
type Cursor struct {
	Score float64
	DocID int64
}

func (c Cursor) Encode() string {
	bits := math.Float64bits(c.Score)
	return fmt.Sprintf("s%x:i%d", bits, c.DocID)
}

// DecodeCursor is strict: malformed input is rejected.
func DecodeCursor(raw string) (Cursor, error) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return Cursor{}, apperr.Validation("cursor", "malformed cursor %q", raw)
	}
	scorePart, idPart := parts[0], parts[1]
	if !strings.HasPrefix(scorePart, "s") || !strings.HasPrefix(idPart, "i") {
		return Cursor{}, apperr.Validation("cursor", "malformed cursor %q", raw)
	}
	bits, err := strconv.ParseUint(scorePart[1:], 16, 64)
	if err != nil {
		return Cursor{}, apperr.Validation("cursor", "malformed cursor score in %q", raw)
	}
	docID, err := strconv.ParseInt(idPart[1:], 10, 64)
	if err != nil {
		return Cursor{}, apperr.Validation("cursor", "malformed cursor doc_id in %q", raw)
	}
	return Cursor{Score: math.Float64frombits(bits), DocID: docID}, nil
}
