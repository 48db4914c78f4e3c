package adapter

import "syscall"

// workerProcAttr puts the worker in its own process group so the whole test
// tree can be killed at once. Pdeathsig takes the worker down if the
// controller dies unexpectedly.
func workerProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}

// commandProcAttr gives a `go test` run its own process group so the test
// binary it spawns dies with it.
func commandProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
