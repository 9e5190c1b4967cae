package service

import (
	"os"

	"golang.org/x/sys/unix"
)

func dupTo(f *os.File, fd int) error {
	return unix.Dup3(int(f.Fd()), fd, 0)
}
