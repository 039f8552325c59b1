// Command dynamips is the launcher: it wires the shared registry,
// timer wheel, and RX multiplexer, and starts the hypervisor control
// plane. It does not start a GDB stub.
// Per spec §1, CLI argument parsing for platform/RAM/image selection
// is out of scope for this core; main wires a minimal fixed
// configuration suitable for the hypervisor to build on.
package main

import (
	"fmt"
	"os"

	"github.com/dynamips-go/dynamips/internal/hypervisor"
	"github.com/dynamips-go/dynamips/internal/mlog"
	"github.com/dynamips-go/dynamips/internal/nio"
	"github.com/dynamips-go/dynamips/internal/registry"
	"github.com/dynamips-go/dynamips/internal/timerwheel"
)

const version = "dynamips-go 0.1"

func main() {
	log := mlog.New(os.Stderr, mlog.INFO, 4096)

	reg := registry.New()
	wheel := timerwheel.New(log, 4)
	defer wheel.Stop()

	rxGroup := nio.NewGroup(log, 16)
	defer rxGroup.Wait()

	hv := hypervisor.New(log, version)
	registerNIOModule(hv, reg, rxGroup, log)
	registerVMModule(hv, reg, wheel, log)

	addr := "127.0.0.1:7200"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}
	if err := hv.Listen(addr); err != nil {
		fmt.Fprintf(os.Stderr, "dynamips: %v\n", err)
		os.Exit(1)
	}

	log.Infof("main", "hypervisor listening on %s", addr)
	select {}
}
