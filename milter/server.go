package milter

import (
	"log/slog"
	"net"

	"github.com/sentrymta/authgate"
	"github.com/sentrymta/authgate/pipeline"
)

// Server accepts milter connections from an MTA and drives one Session per
// connection. It holds no per-connection state itself; the Scheduler it
// wraps is shared read-only across every Session in the worker.
type Server struct {
	Scheduler *pipeline.Scheduler
	Assembler *authgate.Assembler
	ServerID  string
	IDGen     IDGenerator
	Logger    *slog.Logger
}

// Serve accepts connections from l until it returns an error (typically
// because l was closed by the caller during worker shutdown).
func (srv *Server) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		session := NewSession(conn, srv.Scheduler, srv.Assembler, srv.ServerID, srv.IDGen, srv.Logger)
		go session.Serve()
	}
}
