package refcode

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var codePattern = regexp.MustCompile(`^DREG[A-Z0-9]{6}$`)

func TestGenerate_Format(t *testing.T) {
	code, err := New().Generate(context.Background(), Registration, nil)
	require.NoError(t, err)
	assert.Regexp(t, codePattern, code)
}

func TestGenerate_RetriesOnCollision(t *testing.T) {
	calls := 0
	exists := func(_ context.Context, code string) (bool, error) {
		calls++
		return calls < 3, nil
	}
	code, err := New().Generate(context.Background(), Registration, exists)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Regexp(t, codePattern, code)
}

func TestGenerate_TimestampFallback(t *testing.T) {
	g := New()
	g.rand = bytes.NewReader(bytes.Repeat([]byte{0}, 64))
	g.now = func() time.Time { return time.UnixMilli(36 * 36) }

	code, err := g.Generate(context.Background(), BloodUnit, func(context.Context, string) (bool, error) {
		return true, nil
	})
	require.NoError(t, err)
	// six zero bytes map to "AAAAAA"; 1296 ms is "100" in base36.
	assert.Equal(t, "BUNTAAAAAA100", code)
}

func TestGenerate_ExistsError(t *testing.T) {
	_, err := New().Generate(context.Background(), Donation, func(context.Context, string) (bool, error) {
		return false, errors.New("db down")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}
