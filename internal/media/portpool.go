package media

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// ErrPoolExhausted is returned by Allocate when every port in the range is
// owned by a live call.
var ErrPoolExhausted = errors.New("no rtp ports available")

// PortPool hands out RTP ports from a contiguous range. Allocation always
// returns the lowest free port, so usage packs toward the start of the range.
//
// PortPool is not safe for concurrent use; it is owned by the reactor.
type PortPool struct {
	portMin int
	portMax int
	logger  *slog.Logger

	used map[int]struct{}
}

// NewPortPool creates a pool covering [portMin, portMax] inclusive.
func NewPortPool(portMin, portMax int, logger *slog.Logger) (*PortPool, error) {
	if portMin < 1 || portMax > 65535 {
		return nil, fmt.Errorf("rtp port range %d-%d outside 1-65535", portMin, portMax)
	}
	if portMax < portMin {
		return nil, fmt.Errorf("portMax (%d) must not be below portMin (%d)", portMax, portMin)
	}

	l := logger.With("subsystem", "port-pool")
	l.Info("rtp port pool initialized",
		"port_min", portMin,
		"port_max", portMax,
		"capacity", portMax-portMin+1,
	)

	return &PortPool{
		portMin: portMin,
		portMax: portMax,
		logger:  l,
		used:    make(map[int]struct{}),
	}, nil
}

// Capacity returns the number of ports in the range.
func (p *PortPool) Capacity() int {
	return p.portMax - p.portMin + 1
}

// Allocated returns the number of ports currently handed out.
func (p *PortPool) Allocated() int {
	return len(p.used)
}

// Allocate claims the lowest unused port in the range.
func (p *PortPool) Allocate() (int, error) {
	if len(p.used) >= p.Capacity() {
		return 0, ErrPoolExhausted
	}

	for port := p.portMin; port <= p.portMax; port++ {
		if _, taken := p.used[port]; taken {
			continue
		}
		p.used[port] = struct{}{}
		p.logger.Debug("rtp port allocated",
			"rtp_port", port,
			"allocated", len(p.used),
		)
		return port, nil
	}

	return 0, ErrPoolExhausted
}

// Release returns a port to the pool. Releasing a port that is not in use,
// or that lies outside the range, does nothing.
func (p *PortPool) Release(port int) {
	if _, ok := p.used[port]; !ok {
		return
	}
	delete(p.used, port)
	p.logger.Debug("rtp port released",
		"rtp_port", port,
		"allocated", len(p.used),
	)
}

// InUse reports whether port is currently allocated.
func (p *PortPool) InUse(port int) bool {
	_, ok := p.used[port]
	return ok
}

// Used returns the allocated ports in ascending order.
func (p *PortPool) Used() []int {
	ports := make([]int, 0, len(p.used))
	for port := range p.used {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}
