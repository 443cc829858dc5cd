//go:build linux

package fdpool

import (
	"errors"
	"os"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func init() {
	log.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		FieldsOrder:     []string{"component", "category"},
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	log.SetOutput(os.Stdout)
}

// Logger exposes the package logger so callers can redirect it.
func Logger() *logrus.Logger {
	return log
}

func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	return nil
}

type strategy interface {
	Run() error
	Stop()
}

// Server owns one dispatch strategy and everything it holds: listener,
// poller, signal bridge and workers.
type Server struct {
	cfg      *Config
	strategy strategy
}

func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := SetLogLevel(cfg.LogLevel); err != nil {
		log.Warn("[server] ignoring log level: ", err)
	}
	return &Server{cfg: cfg}, nil
}

func (s *Server) Start() (err error) {
	switch s.cfg.Mode {
	case ModeProcess:
		s.strategy, err = NewProcessPool(s.cfg, s.cfg.Handler)
	default:
		factory, _ := LookupHandler(s.cfg.Handler)
		s.strategy, err = NewThreadPool(s.cfg, factory, WithSignals(true))
	}
	if err != nil {
		return err
	}
	log.WithField("component", "server").Infof("%s pool listening on %s:%d, %d workers",
		s.cfg.Mode, s.cfg.ListenAddr, s.cfg.ListenPort, s.cfg.Workers)
	return nil
}

// Run blocks until the strategy stops, either by Stop or by a
// termination signal.
func (s *Server) Run() error {
	if s.strategy == nil {
		if err := s.Start(); err != nil {
			return err
		}
	}
	err := s.strategy.Run()
	log.WithField("component", "server").Info("stop server done.")
	return err
}

func (s *Server) Stop() {
	if s.strategy != nil {
		log.WithField("component", "server").Info("stop server ...")
		s.strategy.Stop()
	}
}
