package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/shlex"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Jon-Bright/clkseq/rp2"
	"github.com/Jon-Bright/clkseq/seq"
	"github.com/Jon-Bright/clkseq/sim"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Bring the clock tree up, then answer status queries over TCP",
	Long: `serve runs the bring-up and keeps the board open. Clients connect to --port
and send one command per line:

  PHASE         phase reached, and the error if the bring-up halted
  DOMAINS       recorded frequency of every domain
  FREQ <domain> recorded frequency of one domain
  TICKS         tick generators, their divisors and whether they run
  OTP           the guarded OTP row pair as eight hex digits
  VIOLATIONS    ordering violations the model saw (sim backend only)
  QUIT          close the connection

Prometheus metrics are served on --metrics-addr at /metrics.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		p, err := loadProfile(cmd)
		if err != nil {
			return err
		}
		reg := newRegistry()
		m := seq.NewMetrics(reg)
		b, err := openBoard(cmd, p, openOpts{metrics: m})
		if err != nil {
			return err
		}
		defer b.close()
		sq, err := bringUp(b, seq.WithMetrics(m))
		if err != nil {
			// Keep serving: the status says where it stopped.
			log.Error("bring-up failed", "error", err)
		}

		s, err := NewServer(port, sq, b.model)
		if err != nil {
			return fmt.Errorf("couldn't create server: %w", err)
		}
		if metricsAddr != "" {
			go func() {
				log.Info("serving metrics", "addr", metricsAddr)
				err := http.ListenAndServe(metricsAddr, metricsRouter(reg))
				if err != nil {
					log.Error("metrics server stopped", "error", err)
				}
			}()
		}
		s.handleConnections()
		return nil
	},
}

func init() {
	serveCmd.Flags().Int("port", 24601, "The port that the status server should listen to")
	serveCmd.Flags().String("metrics-addr", ":9101", "Address for the /metrics endpoint; empty disables it")
	rootCmd.AddCommand(serveCmd)
}

func metricsRouter(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Get("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}).ServeHTTP)
	return r
}

type Server struct {
	l     net.Listener
	seq   *seq.Sequencer
	model *sim.Chip
}

func NewServer(port int, sq *seq.Sequencer, model *sim.Chip) (*Server, error) {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	log.Info("listening", "port", port)
	return &Server{l, sq, model}, nil
}

func (s *Server) Addr() net.Addr {
	return s.l.Addr()
}

func (s *Server) Close() error {
	return s.l.Close()
}

// command answers one request line. The reply has no trailing newline.
func (s *Server) command(cmd string, parms []string) (string, error) {
	switch cmd {
	case "PHASE":
		if err := s.seq.Err(); err != nil {
			return fmt.Sprintf("%s halted: %v", s.seq.Phase(), err), nil
		}
		return s.seq.Phase().String(), nil
	case "DOMAINS":
		st := s.seq.Status()
		var f []string
		for _, d := range seq.DomainOrder {
			f = append(f, fmt.Sprintf("%s=%d", d, st.Domains[d]))
		}
		return strings.Join(f, " "), nil
	case "FREQ":
		if len(parms) != 1 {
			return "", fmt.Errorf("FREQ takes one domain, got %d arguments", len(parms))
		}
		d, err := rp2.ParseDomain(parms[0])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", s.seq.Chip().Clocks.Domain(d).Frequency()), nil
	case "TICKS":
		var f []string
		for _, t := range s.seq.Status().Ticks {
			state := "stopped"
			if t.Running {
				state = "running"
			}
			f = append(f, fmt.Sprintf("%s=%d:%s", t.Name, t.Cycles, state))
		}
		return strings.Join(f, " "), nil
	case "OTP":
		otp := s.seq.Chip().OTP
		if otp == nil {
			return "", fmt.Errorf("%s has no OTP", s.seq.Chip().Target.Name)
		}
		lo, hi := otp.ReadRowPair(rp2.OTP_GUARDED_ROW)
		return fmt.Sprintf("%04X%04X", lo, hi), nil
	case "VIOLATIONS":
		if s.model == nil {
			return "", errors.New("violations are only tracked on the sim backend")
		}
		vs := s.model.Violations()
		f := []string{fmt.Sprintf("%d", len(vs))}
		for _, v := range vs {
			f = append(f, v.Rule)
		}
		return strings.Join(f, " "), nil
	}
	return "", fmt.Errorf("unknown command: %s", cmd)
}

func (s *Server) handleConnection(c net.Conn) {
	log.Debug("handling connection", "remote", c.RemoteAddr())
	defer c.Close()
	r := bufio.NewReader(c)
	w := bufio.NewWriter(c)
	for {
		l, err := r.ReadString('\n')
		if err == io.EOF {
			log.Debug("EOF for connection", "remote", c.RemoteAddr())
			return
		}
		if err != nil {
			log.Warn("couldn't read from connection", "remote", c.RemoteAddr(), "error", err)
			return
		}
		t, err := shlex.Split(l)
		if err == nil && len(t) == 0 {
			continue
		}
		var reply string
		if err != nil {
			err = fmt.Errorf("couldn't parse line: %w", err)
		} else {
			cmd := strings.ToUpper(t[0])
			if cmd == "QUIT" {
				return
			}
			log.Debug("got command", "cmd", cmd, "parms", t[1:])
			reply, err = s.command(cmd, t[1:])
		}
		if err != nil {
			reply = "ERR: " + err.Error()
		}
		w.WriteString(reply + "\n")
		err = w.Flush()
		if err != nil {
			log.Warn("couldn't write reply", "remote", c.RemoteAddr(), "error", err)
			return
		}
	}
}

func (s *Server) handleConnections() {
	for {
		conn, err := s.l.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			log.Warn("couldn't accept connection", "error", err)
			continue
		}
		go s.handleConnection(conn)
	}
}
