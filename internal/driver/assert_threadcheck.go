//go:build threadcheck

package driver

import (
	"fmt"

	"github.com/cryguy/edgeruntime/internal/cputime"
)

func assertThread(clock cputime.Clock, want int) {
	if got := clock.ThreadID(); got != want {
		panic(fmt.Sprintf("driver: execution context migrated from thread %d to %d", want, got))
	}
}
