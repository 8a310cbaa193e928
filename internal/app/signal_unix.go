//go:build !windows

package app

import (
	"os"
	"os/signal"
	"syscall"
)

// notifyVisibility maps SIGUSR1 to a visibility event.
func notifyVisibility(c chan<- os.Signal) {
	signal.Notify(c, syscall.SIGUSR1)
}
