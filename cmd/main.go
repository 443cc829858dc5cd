package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/rocinan/fdpool"
)

const kEnvDetached = "FDPOOL_DETACHED"

func main() {
	if fdpool.IsWorkerProcess() {
		os.Exit(fdpool.RunWorker())
	}

	var (
		cfgPath = flag.String("c", "", "ini config file")
		port    = flag.Int("p", 0, "listen port")
		mode    = flag.String("m", "", "dispatch mode: thread or process")
		workers = flag.Int("w", 0, "number of workers")
		handler = flag.String("handler", "", "connection handler")
		daemon  = flag.Bool("d", false, "run detached")
	)
	flag.Parse()

	cfg := fdpool.DefaultConfig()
	if *cfgPath != "" {
		var err error
		if cfg, err = fdpool.LoadConfig(*cfgPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if *mode != "" && *mode != cfg.Mode {
		cfg.Mode = *mode
		cfg.Workers = fdpool.NewConfig(cfg.ListenAddr, cfg.ListenPort, *mode).Workers
	}
	if *port != 0 {
		cfg.ListenPort = *port
	}
	if *workers != 0 {
		cfg.Workers = *workers
	}
	if *handler != "" {
		cfg.Handler = *handler
	}
	cfg.Daemon = cfg.Daemon || *daemon

	if cfg.Daemon && os.Getenv(kEnvDetached) == "" {
		if err := detach(); err != nil {
			fmt.Fprintln(os.Stderr, "detach: ", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	srv, err := fdpool.NewServer(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err = srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to create listen server: ip=%s, port=%d: %v\n", cfg.ListenAddr, cfg.ListenPort, err)
		os.Exit(1)
	}
	fmt.Println("Start Service Successfully")
	fmt.Println("PID: ", os.Getpid())
	if err = srv.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// detach starts a copy of this process in its own session with stdio on
// /dev/null.
func detach() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), kEnvDetached+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err = cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
