//go:build !linux

package adapter

import "syscall"

// workerProcAttr puts the worker in its own process group. Pdeathsig is not
// available outside Linux.
func workerProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}

func commandProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
