// Command netdaemond is the composition root demonstrating the daemon
// package wired up the way the teacher's own daemon/ctrl/example wired
// its Run(opts...) daemon: github.com/One-com/gone/log for structured
// logging, github.com/One-com/gone/jconf for config loading,
// github.com/One-com/gone/signals for signals the supervisor itself
// doesn't need to see, and github.com/One-com/gone/sd for readiness
// notification and exec-restart.
package main

import (
	"flag"
	"fmt"
	"os"
	"syscall"

	"github.com/One-com/gone/jconf"
	"github.com/One-com/gone/log"
	"github.com/One-com/gone/log/syslog"
	"github.com/One-com/gone/sd"
	"github.com/One-com/gone/signals"

	daemon "github.com/onecom-oss/netdaemon"
	"github.com/onecom-oss/netdaemon/ctrl"
	"github.com/onecom-oss/netdaemon/examples/echoserver"
	"github.com/onecom-oss/netdaemon/examples/wsserver"
	"github.com/onecom-oss/netdaemon/listen"
)

// config is the on-disk shape loaded via jconf.ParseInto, which accepts
// "//" line comments on top of plain JSON.
type config struct {
	EchoAddr      string `json:"echoAddr"`
	WebSocketAddr string `json:"wsAddr"`
	ControlSocket string `json:"controlSocket"`
	IdleTimeoutMS uint   `json:"idleTimeoutMs"`
}

func loadConfig(path string) (config, error) {
	cfg := config{
		EchoAddr:      ":7007",
		WebSocketAddr: ":7008",
		ControlSocket: "/run/netdaemond.sock",
		IdleTimeoutMS: 0,
	}
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	err = jconf.ParseInto(f, &cfg)
	return cfg, err
}

func daemonLogFunc(level int, message string) {
	log.Log(syslog.Priority(level), message)
}

var sup *daemon.Supervisor

func onSignalExit() {
	log.Println("signal: exit")
	sup.Quit()
}

func onSignalExitGraceful() {
	log.Println("signal: graceful exit")
	sd.Notify(0, "STOPPING=1")
	sup.Quit()
}

func onSignalRespawn() {
	log.Println("signal: respawn")
	sup.QuitExecRestart()
}

func onSignalIncLogLevel() {
	log.IncLevel()
	log.ALERT(fmt.Sprintf("log level: %d", log.Level()))
}

func onSignalDecLogLevel() {
	log.DecLevel()
	log.ALERT(fmt.Sprintf("log level: %d", log.Level()))
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "c", "", "path to config file")
	flag.Parse()

	log.SetLevel(syslog.LOG_DEBUG)
	daemon.SetLogger(daemonLogFunc)

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Println("config error:", err)
		os.Exit(1)
	}

	sup, err = daemon.New()
	if err != nil {
		log.Println("failed to construct supervisor:", err)
		os.Exit(1)
	}

	echo := echoserver.New("echo", listen.ListenerSpec{Net: "tcp", Addr: cfg.EchoAddr})
	if err := echo.Listen(); err != nil {
		log.Println("echo listen failed:", err)
		os.Exit(1)
	}
	if err := sup.AddServer(echo); err != nil {
		log.Println("registering echo server:", err)
		os.Exit(1)
	}

	ws := wsserver.New("websocket", listen.ListenerSpec{Net: "tcp", Addr: cfg.WebSocketAddr})
	if err := ws.Listen(); err != nil {
		log.Println("websocket listen failed:", err)
		os.Exit(1)
	}
	if err := sup.AddServer(ws); err != nil {
		log.Println("registering websocket server:", err)
		os.Exit(1)
	}

	ctrlSrv, err := ctrl.NewServer("ctrl", cfg.ControlSocket, "")
	if err != nil {
		log.Println("control socket failed:", err)
		os.Exit(1)
	}
	ctrlSrv.Logger = daemonLogFunc
	if err := sup.AddServer(ctrlSrv); err != nil {
		log.Println("registering control server:", err)
		os.Exit(1)
	}

	if err := sup.AutoShutdown(cfg.IdleTimeoutMS); err != nil {
		log.Println("arming auto-shutdown:", err)
		os.Exit(1)
	}

	sup.SetReadyCallback(func() error {
		return sd.Notify(0, "READY=1")
	})

	sup.SetShutdownCallbacks(nil, func(s *daemon.Supervisor) {
		if s.IsExecRestart() {
			if _, err := sd.ReplaceProcess(syscall.SIGTERM); err != nil {
				log.Println("exec-restart failed:", err)
			}
		}
	}, nil)

	handledSignals := signals.Mappings{
		syscall.SIGINT:  onSignalExit,
		syscall.SIGTERM: onSignalExitGraceful,
		syscall.SIGUSR2: onSignalRespawn,
		syscall.SIGTTIN: onSignalIncLogLevel,
		syscall.SIGTTOU: onSignalDecLogLevel,
	}
	signals.RunSignalHandler(handledSignals)

	log.Println("starting server", "pid", os.Getpid())

	if err := sup.Run(); err != nil {
		log.Println("run error:", err)
	}

	if sup.IsExecRestart() {
		if _, err := sd.ReplaceProcess(syscall.SIGTERM); err != nil {
			log.Println("exec-restart failed:", err)
		}
	}

	sd.Notify(sd.NotifyUnsetEnv, "STATUS=Terminated")
	log.Println("halted")
}
