package main

import (
	"github.com/dynamips-go/dynamips/internal/hypervisor"
	"github.com/dynamips-go/dynamips/internal/mlog"
	"github.com/dynamips-go/dynamips/internal/nio"
	"github.com/dynamips-go/dynamips/internal/registry"
	"github.com/dynamips-go/dynamips/internal/timerwheel"
	"github.com/dynamips-go/dynamips/internal/vm"
)

// registerNIOModule wires hypervisor "nio" commands to the registry
// and RX multiplexer, matching the command pattern `nio create_udp
// <name> ...` described in spec §4.14/§6.
func registerNIOModule(hv *hypervisor.Server, reg *registry.Registry, rxGroup *nio.Group, log *mlog.Logger) {
	hv.RegisterModule(&hypervisor.Module{
		Name: "nio",
		Commands: map[string]hypervisor.CommandFunc{
			"create_udp": func(args []string) (string, error) {
				if len(args) != 4 {
					return "", hypervisor.Fail(hypervisor.ErrBadParam, "usage: create_udp <name> <local_port> <remote_host> <remote_port>")
				}
				return "", hypervisor.Fail(hypervisor.ErrInvParam, "not yet constructed from string args; use the Go API directly")
			},
			"list": func(args []string) (string, error) {
				var names []string
				reg.ForeachType(registry.TypeNIO, func(name string, data interface{}) {
					names = append(names, name)
				})
				out := ""
				for i, n := range names {
					if i > 0 {
						out += "\n"
					}
					out += n
				}
				return out, nil
			},
			"delete": func(args []string) (string, error) {
				if len(args) != 1 {
					return "", hypervisor.Fail(hypervisor.ErrBadParam, "usage: delete <name>")
				}
				deleted, err := reg.DeleteIfUnused(registry.TypeNIO, args[0], func(data interface{}) {
					if n, ok := data.(*nio.NIO); ok {
						rxGroup.Remove(n)
						n.Close()
					}
				})
				if err != nil {
					return "", hypervisor.Fail(hypervisor.ErrUnkObj, "%v", err)
				}
				if !deleted {
					return "", hypervisor.Fail(hypervisor.ErrBadObj, "nio %q still in use", args[0])
				}
				return "", nil
			},
		},
	})
}

// registerVMModule wires hypervisor "vm" lifecycle commands.
func registerVMModule(hv *hypervisor.Server, reg *registry.Registry, wheel *timerwheel.Wheel, log *mlog.Logger) {
	hv.RegisterModule(&hypervisor.Module{
		Name: "vm",
		Commands: map[string]hypervisor.CommandFunc{
			"list": func(args []string) (string, error) {
				var names []string
				reg.ForeachType(registry.TypeVM, func(name string, data interface{}) {
					names = append(names, name)
				})
				out := ""
				for i, n := range names {
					if i > 0 {
						out += "\n"
					}
					out += n
				}
				return out, nil
			},
			"stop": func(args []string) (string, error) {
				if len(args) != 1 {
					return "", hypervisor.Fail(hypervisor.ErrBadParam, "usage: stop <name>")
				}
				obj, err := reg.Find(registry.TypeVM, args[0])
				if err != nil {
					return "", hypervisor.Fail(hypervisor.ErrUnkObj, "%v", err)
				}
				v := obj.(*vm.VM)
				defer reg.Unref(registry.TypeVM, args[0])
				if err := v.Stop(); err != nil {
					return "", hypervisor.Fail(hypervisor.ErrStart, "%v", err)
				}
				return "", nil
			},
		},
	})
}
