//go:build windows

package app

import "os"

func notifyVisibility(chan<- os.Signal) {}
