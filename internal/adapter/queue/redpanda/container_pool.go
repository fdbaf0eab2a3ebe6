//go:build integration

package redpanda

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	brokerPoolSize   = 2
	brokerBasePort   = 19092
	brokerImage      = "redpandadata/redpanda:v24.3.7"
	leaseWaitTimeout = 30 * time.Second
)

// BrokerLease is one pooled Redpanda broker checked out by a test.
type BrokerLease struct {
	Addr      string
	node      int
	container tc.Container
}

// brokerPool hands out started Redpanda containers so the startup cost
// is paid once per run, not once per test.
type brokerPool struct {
	idle     chan BrokerLease
	startUp  sync.Once
	startErr error
	mu       sync.Mutex
	started  bool
}

var sharedBrokers = &brokerPool{idle: make(chan BrokerLease, brokerPoolSize)}

// leaseBroker checks a broker out of the shared pool, filling the pool
// on first use. The caller must hand the lease back via release.
func leaseBroker(t *testing.T) (BrokerLease, error) {
	t.Helper()
	sharedBrokers.startUp.Do(func() { sharedBrokers.startErr = sharedBrokers.fill() })
	if sharedBrokers.startErr != nil {
		return BrokerLease{}, sharedBrokers.startErr
	}
	select {
	case lease := <-sharedBrokers.idle:
		return lease, nil
	case <-time.After(leaseWaitTimeout):
		return BrokerLease{}, fmt.Errorf("no pooled broker free after %s", leaseWaitTimeout)
	}
}

// release hands a leased broker back for the next test.
func (p *brokerPool) release(lease BrokerLease) {
	select {
	case p.idle <- lease:
	default:
		lease.terminate()
	}
}

func (p *brokerPool) fill() error {
	for node := 0; node < brokerPoolSize; node++ {
		lease, err := startBrokerContainer(node)
		if err != nil {
			return fmt.Errorf("start pooled broker %d: %w", node, err)
		}
		p.idle <- lease
	}
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	return nil
}

// shutdown terminates every idle pooled broker; TestMain runs it after
// all tests have released their leases.
func (p *brokerPool) shutdown() {
	p.mu.Lock()
	started := p.started
	p.started = false
	p.mu.Unlock()
	if !started {
		return
	}
	close(p.idle)
	for lease := range p.idle {
		lease.terminate()
	}
}

func (l BrokerLease) terminate() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.container.Terminate(ctx); err != nil {
		fmt.Printf("warning: terminating pooled broker %d: %v\n", l.node, err)
	}
}

// startBrokerContainer boots one single-node Redpanda with its Kafka
// port pinned on the host, so the advertised address stays stable for
// the life of the pool.
func startBrokerContainer(node int) (BrokerLease, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	hostPort := brokerBasePort + node

	req := tc.ContainerRequest{
		Image:        brokerImage,
		ExposedPorts: []string{"9092/tcp", "9644/tcp"},
		Cmd: []string{
			"redpanda", "start",
			"--overprovisioned",
			"--smp", "1",
			"--memory", "256M",
			"--reserve-memory", "0M",
			"--node-id", fmt.Sprintf("%d", node),
			"--check=false",
			"--kafka-addr", "PLAINTEXT://0.0.0.0:9092",
			"--advertise-kafka-addr", fmt.Sprintf("PLAINTEXT://127.0.0.1:%d", hostPort),
			"--default-log-level=error",
			"--mode", "dev-container",
		},
		WaitingFor: wait.ForListeningPort("9092/tcp").WithStartupTimeout(30 * time.Second),
		HostConfigModifier: func(hc *containerTypes.HostConfig) {
			if hc.PortBindings == nil {
				hc.PortBindings = nat.PortMap{}
			}
			hc.PortBindings[nat.Port("9092/tcp")] = []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", hostPort)},
			}
		},
	}

	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return BrokerLease{}, err
	}
	return BrokerLease{
		Addr:      fmt.Sprintf("localhost:%d", hostPort),
		node:      node,
		container: container,
	}, nil
}
