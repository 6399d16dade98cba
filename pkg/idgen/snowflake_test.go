package idgen

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_UniqueUnderConcurrency(t *testing.T) {
	const n = 2000
	var (
		mu   sync.Mutex
		seen = make(map[int64]struct{}, n)
		wg   sync.WaitGroup
	)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := NextID()
			mu.Lock()
			seen[id] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
}

func TestGenerateNumbers_Prefixes(t *testing.T) {
	txn := GenerateTransactionNo()
	rcpt := GenerateReceiptNo()
	rdm := GenerateRedemptionNo()

	require.True(t, strings.HasPrefix(txn, "TXN"))
	require.True(t, strings.HasPrefix(rcpt, "RCPT"))
	require.True(t, strings.HasPrefix(rdm, "RDM"))
	assert.LessOrEqual(t, len(rcpt), 40)
	assert.NotEqual(t, GenerateTransactionNo(), txn)
}

func TestGenerator_MonotonicUnderClockRollback(t *testing.T) {
	g, err := NewGenerator(7)
	require.NoError(t, err)

	ms := epochMillis + 10_000
	g.clock = func() int64 { return ms }

	first := g.Next()
	ms -= 5 // 时钟回拨
	second := g.Next()
	ms += 100
	third := g.Next()

	assert.Less(t, first, second)
	assert.Less(t, second, third)
	assert.Equal(t, int64(7), (third>>sequenceBits)&maxWorker)
}

func TestNewGenerator_RejectsInvalidWorker(t *testing.T) {
	_, err := NewGenerator(-1)
	assert.Error(t, err)
	_, err = NewGenerator(maxWorker + 1)
	assert.Error(t, err)
}
