package service

import "syscall"

// taskAttr makes the kernel terminate a task whose worker died.
func taskAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
}
