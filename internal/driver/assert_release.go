//go:build !threadcheck

package driver

import "github.com/cryguy/edgeruntime/internal/cputime"

func assertThread(cputime.Clock, int) {}
