// Package refcode generates the human-readable display codes attached to
// every persisted record: a 4-letter prefix followed by 6 alphanumerics,
// e.g. DREG7K2Q9Z.
package refcode

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

type Prefix string

const (
	Registration Prefix = "DREG"
	Eligibility  Prefix = "ELIG"
	Donation     Prefix = "DONA"
	BloodUnit    Prefix = "BUNT"
	Inventory    Prefix = "INVR"
	ProcessLog   Prefix = "PLOG"
	// CheckIn prefixes the short code printed under the check-in QR.
	CheckIn      Prefix = "CKIN"
)

const (
	alphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	suffixLen    = 6
	defaultTries = 5
)

// ExistsFunc reports whether a code is already taken.
type ExistsFunc func(ctx context.Context, code string) (bool, error)

// Generator produces collision-checked codes.
type Generator struct {
	rand  io.Reader
	now   func() time.Time
	tries int
}

func New() *Generator {
	return &Generator{rand: rand.Reader, now: time.Now, tries: defaultTries}
}

// Generate draws random codes until exists reports a free one. After the
// retry budget is spent it appends a base36 millisecond timestamp to the last
// candidate, which is returned without a further check. A nil exists skips
// the collision check.
func (g *Generator) Generate(ctx context.Context, prefix Prefix, exists ExistsFunc) (string, error) {
	var code string
	for i := 0; i < g.tries; i++ {
		c, err := g.candidate(prefix)
		if err != nil {
			return "", err
		}
		code = c
		if exists == nil {
			return code, nil
		}
		taken, err := exists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check code %s: %w", code, err)
		}
		if !taken {
			return code, nil
		}
	}
	return code + strings.ToUpper(strconv.FormatInt(g.now().UnixMilli(), 36)), nil
}

func (g *Generator) candidate(prefix Prefix) (string, error) {
	buf := make([]byte, suffixLen)
	if _, err := io.ReadFull(g.rand, buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	var sb strings.Builder
	sb.Grow(len(prefix) + suffixLen)
	sb.WriteString(string(prefix))
	for _, b := range buf {
		sb.WriteByte(alphabet[int(b)%len(alphabet)])
	}
	return sb.String(), nil
}
