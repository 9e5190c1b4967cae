//go:build !linux

package service

import "syscall"

func taskAttr() *syscall.SysProcAttr {
	return nil
}
