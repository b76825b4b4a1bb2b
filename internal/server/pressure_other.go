//go:build !unix

package server

import "context"

func (s *Server) watchPressure(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
