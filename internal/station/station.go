// Package station implements the StationProvider contract: remote
// compute hosts a room may offload API-model workers onto. The engine
// only provisions and terminates; scheduling onto a station is the
// caller's concern. The shipped implementation boots Firecracker
// microVMs on the local host, which doubles as the contract's
// reference behavior.
package station

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	fcmodels "github.com/firecracker-microvm/firecracker-go-sdk/client/models"

	"github.com/google/uuid"
)

// Station is one provisioned compute host.
type Station struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Spec sizes a requested station.
type Spec struct {
	VCPUs    int64
	MemoryMB int64
}

// Provider is the StationProvider contract.
type Provider interface {
	Provision(ctx context.Context, spec Spec) (*Station, error)
	Terminate(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Station, error)
}

// FirecrackerConfig locates the microVM boot assets.
type FirecrackerConfig struct {
	// KernelImagePath is the uncompressed kernel the VM boots.
	KernelImagePath string

	// RootDrivePath is the root filesystem image.
	RootDrivePath string

	// SocketDir holds per-VM API sockets.
	SocketDir string
}

// Firecracker provisions stations as local microVMs.
type Firecracker struct {
	cfg FirecrackerConfig

	mu       sync.Mutex
	machines map[string]*firecracker.Machine
	stations map[string]*Station
}

// NewFirecracker builds the provider. The config is validated at
// Provision time, not here — an engine with no station use never
// touches the boot assets.
func NewFirecracker(cfg FirecrackerConfig) *Firecracker {
	return &Firecracker{
		cfg:      cfg,
		machines: make(map[string]*firecracker.Machine),
		stations: make(map[string]*Station),
	}
}

// Provision boots one microVM and returns its station record.
func (f *Firecracker) Provision(ctx context.Context, spec Spec) (*Station, error) {
	if f.cfg.KernelImagePath == "" || f.cfg.RootDrivePath == "" {
		return nil, fmt.Errorf("station: firecracker boot assets not configured")
	}
	if spec.VCPUs <= 0 {
		spec.VCPUs = 1
	}
	if spec.MemoryMB <= 0 {
		spec.MemoryMB = 512
	}

	id := uuid.New().String()
	cfg := firecracker.Config{
		SocketPath:      filepath.Join(f.cfg.SocketDir, id+".sock"),
		KernelImagePath: f.cfg.KernelImagePath,
		Drives:          firecracker.NewDrivesBuilder(f.cfg.RootDrivePath).Build(),
		MachineCfg: fcmodels.MachineConfiguration{
			VcpuCount:  firecracker.Int64(spec.VCPUs),
			MemSizeMib: firecracker.Int64(spec.MemoryMB),
		},
	}

	machine, err := firecracker.NewMachine(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("station: new machine: %w", err)
	}
	if err := machine.Start(ctx); err != nil {
		return nil, fmt.Errorf("station: start: %w", err)
	}

	st := &Station{ID: id, Status: "running", CreatedAt: time.Now()}
	f.mu.Lock()
	f.machines[id] = machine
	f.stations[id] = st
	f.mu.Unlock()
	return st, nil
}

// Terminate stops and forgets a station. Unknown ids are a no-op.
func (f *Firecracker) Terminate(ctx context.Context, id string) error {
	f.mu.Lock()
	machine := f.machines[id]
	delete(f.machines, id)
	st := f.stations[id]
	delete(f.stations, id)
	f.mu.Unlock()

	if st != nil {
		st.Status = "terminated"
	}
	if machine == nil {
		return nil
	}
	if err := machine.StopVMM(); err != nil {
		return fmt.Errorf("station: stop %s: %w", id, err)
	}
	return nil
}

// List returns every station this provider currently tracks.
func (f *Firecracker) List(ctx context.Context) ([]*Station, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Station, 0, len(f.stations))
	for _, st := range f.stations {
		out = append(out, st)
	}
	return out, nil
}
