package transport

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoopbackSendRecv(t *testing.T) {
	eps := NewWorld(2)
	var wg sync.WaitGroup
	wg.Add(2)
	var gotErr error
	buf := make([]byte, 4)
	go func() {
		defer wg.Done()
		req, err := eps[1].IrecvBytes(0, 5, buf)
		if err != nil {
			gotErr = err
			return
		}
		gotErr = req.Wait()
	}()
	go func() {
		defer wg.Done()
		req, err := eps[0].IsendBytes(1, 5, []byte{1, 2, 3, 4})
		if err != nil {
			gotErr = err
			return
		}
		gotErr = req.Wait()
	}()
	wg.Wait()
	require.NoError(t, gotErr)
	require.Equal(t, []byte{1, 2, 3, 4}, buf)
}

func TestLoopbackBarrier(t *testing.T) {
	n := 4
	eps := NewWorld(n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(r int) {
			defer wg.Done()
			require.NoError(t, eps[r].Barrier())
		}(i)
	}
	wg.Wait()
}

func TestLoopbackAllgather(t *testing.T) {
	n := 3
	eps := NewWorld(n)
	results := make([][][]byte, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(r int) {
			defer wg.Done()
			out, err := eps[r].Allgather([]byte{byte(r)})
			require.NoError(t, err)
			results[r] = out
		}(i)
	}
	wg.Wait()
	for r := 0; r < n; r++ {
		require.Len(t, results[r], n)
		for i := 0; i < n; i++ {
			require.Equal(t, []byte{byte(i)}, results[r][i])
		}
	}
}

func TestShmBufferHandshake(t *testing.T) {
	buf := NewShmBuffer(4)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		buf.WriteRelease(func(b []byte) { copy(b, []byte{9, 9, 9, 9}) }, nil)
	}()
	var got []byte
	go func() {
		defer wg.Done()
		buf.ReadRelease(func(b []byte) { got = append([]byte(nil), b...) }, nil)
	}()
	wg.Wait()
	require.Equal(t, []byte{9, 9, 9, 9}, got)
}
