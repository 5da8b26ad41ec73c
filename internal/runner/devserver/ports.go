package devserver

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"
)

// Allocator is the Runner's process-wide port reservation set: allocate and
// release are mutex-serialized, per SPEC_FULL.md §5 ("Runner port
// allocator"). Grounded on the teacher's pickFreePortInRange/isPortFree
// (internal/codeapp/codeserver/ports.go), generalized from a single
// hard-coded range into a reusable type so multiple projects' dev servers
// never collide.
type Allocator struct {
	min, max int

	mu       sync.Mutex
	reserved map[int]bool
}

func NewAllocator(min, max int) *Allocator {
	return &Allocator{min: min, max: max, reserved: make(map[int]bool)}
}

// Allocate reserves and returns a free TCP port in the allocator's range,
// starting from a random offset so repeated runs don't pile up on the low
// end of the range.
func (a *Allocator) Allocate() (int, error) {
	if a.min <= 0 || a.max <= 0 || a.min > a.max || a.max > 65535 {
		return 0, errors.New("invalid port range")
	}
	n := a.max - a.min + 1
	start := 0
	if r, err := rand.Int(rand.Reader, big.NewInt(int64(n))); err == nil {
		start = int(r.Int64())
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < n; i++ {
		p := a.min + ((start + i) % n)
		if a.reserved[p] {
			continue
		}
		if isPortFree(p) {
			a.reserved[p] = true
			return p, nil
		}
	}
	return 0, fmt.Errorf("no free port in range %d-%d", a.min, a.max)
}

// Release frees a previously allocated port so it can be handed out again.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}

func isPortFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

func isPortListening(port int) bool {
	c, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 500*time.Millisecond)
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}
