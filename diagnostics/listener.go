// Package diagnostics implements SPEC_FULL.md §4.10's ambient admin and
// metrics surface: one bound TCP socket, multiplexed by cmux into an
// HTTP matcher (Prometheus metrics and a small JSON admin API) and a
// raw fallback matcher serving network-triggered equivalents of the
// SIGUSR1/SIGUSR2 dump signals, for operators who can't send a process
// signal directly (containerized deployments, remote hosts).
package diagnostics

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/soheilhy/cmux"

	"go.redoflow.dev/core/task"
)

// Listener bundles the HTTP admin/metrics surface and the raw control
// fallback, multiplexed over a single bound TCP socket via cmux, per
// the teacher's server.Server.
type Listener struct {
	RawListener *net.TCPListener
	CMux        cmux.CMux
	HTTPListener net.Listener
	ControlListener net.Listener
	HTTPMux     *http.ServeMux
	Ctx         context.Context

	control func(cmd string) (string, error)
	cancel  context.CancelFunc
}

// New binds iface:port and wires cmux matchers for HTTP and the raw
// control protocol. control handles one newline-terminated command
// ("STACK" or "MEMORY") per accepted control connection.
func New(iface string, port uint16, mux *http.ServeMux, control func(cmd string) (string, error)) (*Listener, error) {
	var addr = fmt.Sprintf("%s:%d", iface, port)
	var raw, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "binding diagnostics listener (%s)", addr)
	}

	var ctx, cancel = context.WithCancel(context.Background())
	var l = &Listener{
		RawListener: raw.(*net.TCPListener),
		HTTPMux:     mux,
		Ctx:         ctx,
		control:     control,
		cancel:      cancel,
	}

	l.CMux = cmux.New(l.RawListener)
	l.CMux.HandleError(func(err error) bool {
		if _, ok := err.(net.Error); !ok {
			log.WithField("err", err).Warn("diagnostics cmux client connection error")
		}
		return true
	})

	l.HTTPListener = l.CMux.Match(cmux.HTTP1Fast())
	l.ControlListener = l.CMux.Match(cmux.Any())

	return l, nil
}

// QueueTasks serves CMux, the HTTP mux, and the control fallback on tg.
func (l *Listener) QueueTasks(tg *task.Group) {
	tg.Queue("diagnostics.CMux.Serve", func() error {
		if err := l.CMux.Serve(); err != nil && l.Ctx.Err() == nil {
			return err
		}
		return nil
	})
	tg.Queue("diagnostics.HTTP.Serve", func() error {
		if err := http.Serve(l.HTTPListener, l.HTTPMux); err != nil && l.Ctx.Err() == nil {
			return err
		}
		return nil
	})
	tg.Queue("diagnostics.Control.Serve", func() error {
		for {
			conn, err := l.ControlListener.Accept()
			if err != nil {
				if l.Ctx.Err() != nil {
					return nil
				}
				return err
			}
			go l.serveControl(conn)
		}
	})
}

func (l *Listener) serveControl(conn net.Conn) {
	defer conn.Close()
	var line, err = bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	resp, err := l.control(trimNewline(line))
	if err != nil {
		resp = "error: " + err.Error()
	}
	_, _ = conn.Write([]byte(resp + "\n"))
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// GracefulStop cancels Ctx, so Serve loops observe it and return, and
// closes the raw listener.
func (l *Listener) GracefulStop() {
	l.cancel()
	_ = l.RawListener.Close()
}
