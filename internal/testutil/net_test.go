package testutil

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHoldPortConcurrentRelease(t *testing.T) {
	addr := fmt.Sprintf("127.0.0.1:%d", FreePort(t))
	release := HoldPort(t, addr)
	RequireAccepting(t, addr)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release()
		}()
	}
	fired := make(chan struct{})
	time.AfterFunc(10*time.Millisecond, func() {
		release()
		close(fired)
	})
	wg.Wait()
	<-fired

	RequireRefused(t, addr)

	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	require.NoError(t, ln.Close())
}
