//go:build unix

package server

import (
	"context"
	"os"
	"os/signal"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// watchPressure maps SIGUSR1 to "memory pressure on" and SIGUSR2 to "off".
func (s *Server) watchPressure(ctx context.Context) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGUSR1, unix.SIGUSR2)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-ch:
			on := sig == unix.SIGUSR1
			s.log.Info("memory pressure signal", zap.Stringer("signal", sig), zap.Bool("on", on))
			s.sup.SetMemoryPressure(on)
		}
	}
}
