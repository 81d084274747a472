package testutil

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSyncBuffer_ConcurrentWrites(t *testing.T) {
	var buf SyncBuffer
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fmt.Fprintln(&buf, "line")
			_ = buf.String()
		}()
	}
	wg.Wait()

	assert.Len(t, buf.String(), 10*len("line\n"))

	buf.Reset()
	assert.Empty(t, buf.String())
}

func TestWaitClosed_ReturnsOnClose(t *testing.T) {
	ch := make(chan struct{})
	go close(ch)
	WaitClosed(t, ch, "close")
}

func TestRecv_ReturnsValue(t *testing.T) {
	ch := make(chan int, 1)
	ch <- 7
	assert.Equal(t, 7, Recv(t, ch, "value"))
}
