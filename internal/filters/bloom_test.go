package filters

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBloomFilterNoFalseNegatives(t *testing.T) {
	// 10 bits per key, 7 probes: about 1% false positives
	bf := NewBloomFilterWithSize(10_000, 7)
	for i := 0; i < 1000; i++ {
		bf.Add([]byte(fmt.Sprintf("key-%d", i)))
	}
	for i := 0; i < 1000; i++ {
		require.True(t, bf.Contains([]byte(fmt.Sprintf("key-%d", i))))
	}

	fp := 0
	for i := 1000; i < 11000; i++ {
		if bf.Contains([]byte(fmt.Sprintf("key-%d", i))) {
			fp++
		}
	}
	assert.Less(t, fp, 500, "false positive rate far above target")
	assert.Less(t, bf.EstimateFalsePositiveRate(), 0.05)
}

func TestBloomFilterSizing(t *testing.T) {
	bf := NewBloomFilterWithSize(100, 0)
	assert.Equal(t, uint64(128), bf.NumBits())
	assert.Equal(t, uint32(1), bf.NumHash())
	assert.Equal(t, 16, bf.SizeInBytes())
	assert.Zero(t, bf.EstimateFalsePositiveRate())

	bf.Add([]byte("a"))
	assert.Greater(t, bf.EstimateFalsePositiveRate(), 0.0)
}

func TestBloomFilterConcurrentAdd(t *testing.T) {
	bf := NewBloomFilterWithSize(1<<14, 4)
	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		g := g
		go func() {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 500; i++ {
				bf.Add([]byte(fmt.Sprintf("g%d-%d", g, i)))
			}
		}()
	}
	for g := 0; g < 4; g++ {
		<-done
	}
	for g := 0; g < 4; g++ {
		for i := 0; i < 500; i++ {
			require.True(t, bf.Contains([]byte(fmt.Sprintf("g%d-%d", g, i))))
		}
	}
}
