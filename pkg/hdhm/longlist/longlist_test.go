package longlist

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/CVDpl/go-live-hdhm/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newList(t *testing.T, kind Kind, capacity uint64) LongList {
	t.Helper()
	l, err := New(kind, capacity, filepath.Join(t.TempDir(), "scratch.ll"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLongListBasics(t *testing.T) {
	for _, kind := range []Kind{KindInMemory, KindDisk} {
		t.Run(kind.String(), func(t *testing.T) {
			l := newList(t, kind, 200_000)

			assert.Equal(t, uint64(200_000), l.Capacity())
			assert.Equal(t, uint64(7), l.Get(5, 7), "unset slot returns default")

			require.NoError(t, l.Put(5, 100))
			require.NoError(t, l.Put(150_000, 200))
			assert.Equal(t, uint64(100), l.Get(5, 7))
			assert.Equal(t, uint64(200), l.Get(150_000, 0))
			assert.Equal(t, uint64(2), l.Size())

			assert.False(t, l.PutIfEqual(5, 99, 101))
			assert.True(t, l.PutIfEqual(5, 100, 101))
			assert.Equal(t, uint64(101), l.Get(5, 0))

			require.NoError(t, l.Put(5, 0))
			assert.Equal(t, uint64(1), l.Size())
			assert.Equal(t, uint64(9), l.Get(5, 9))

			err := l.Put(200_000, 1)
			assert.ErrorIs(t, err, common.ErrInvalidArgument)
			assert.Equal(t, uint64(3), l.Get(1<<40, 3))
		})
	}
}

func TestLongListFileInterchange(t *testing.T) {
	kinds := []Kind{KindInMemory, KindDisk}
	for _, from := range kinds {
		for _, to := range kinds {
			t.Run(from.String()+"_to_"+to.String(), func(t *testing.T) {
				src := newList(t, from, 70_000)
				for i := uint64(0); i < 70_000; i += 997 {
					require.NoError(t, src.Put(i, i+1))
				}
				path := filepath.Join(t.TempDir(), "index.ll")
				require.NoError(t, src.WriteToFile(path))

				dst := newList(t, to, 70_000)
				require.NoError(t, ReadFile(path, dst))
				assert.Equal(t, src.Size(), dst.Size())
				for i := uint64(0); i < 70_000; i += 997 {
					assert.Equal(t, i+1, dst.Get(i, 0))
				}
				assert.Equal(t, uint64(0), dst.Get(1, 0))
			})
		}
	}
}

func TestLongListReadFileCapacityMismatch(t *testing.T) {
	src := newList(t, KindInMemory, 100)
	path := filepath.Join(t.TempDir(), "index.ll")
	require.NoError(t, src.WriteToFile(path))

	dst := newList(t, KindInMemory, 10)
	assert.ErrorIs(t, ReadFile(path, dst), common.ErrInvalidArgument)
}

func TestLongListConcurrentReaders(t *testing.T) {
	for _, kind := range []Kind{KindInMemory, KindDisk} {
		t.Run(kind.String(), func(t *testing.T) {
			l := newList(t, kind, 1024)
			var wg sync.WaitGroup
			stop := make(chan struct{})
			for r := 0; r < 4; r++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						select {
						case <-stop:
							return
						default:
						}
						for i := uint64(0); i < 1024; i++ {
							v := l.Get(i, 0)
							if v != 0 && v%1024 != i {
								t.Errorf("slot %d holds foreign value %d", i, v)
								return
							}
						}
					}
				}()
			}
			for round := uint64(1); round <= 50; round++ {
				for i := uint64(0); i < 1024; i++ {
					require.NoError(t, l.Put(i, round*1024+i))
				}
			}
			close(stop)
			wg.Wait()
			assert.Equal(t, uint64(1024), l.Size())
		})
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("disk")
	require.NoError(t, err)
	assert.Equal(t, KindDisk, k)

	var decoded Kind
	require.NoError(t, decoded.UnmarshalText([]byte("in_memory")))
	assert.Equal(t, KindInMemory, decoded)

	_, err = ParseKind("tape")
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}
