// Command controlctl is a development controller: it answers agent register
// and report requests and queues commands typed on stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/edgeflow/internal/logging"
	"github.com/danmuck/edgeflow/internal/protocol/controlserver"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "controlctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg := controlserver.DefaultConfig()
	flags := pflag.NewFlagSet("controlctl", pflag.ContinueOnError)
	flags.StringVarP(&cfg.ListenAddr, "listen", "l", cfg.ListenAddr, "listen address")
	flags.Uint32Var(&cfg.ReportIntervalMS, "interval-ms", cfg.ReportIntervalMS, "report interval assigned on register, 0 keeps the agent's")
	if err := flags.Parse(args); err != nil {
		return err
	}

	logging.ConfigureRuntime()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := controlserver.New(cfg)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if err := dispatch(srv, scanner.Text(), os.Stdout); err != nil {
				fmt.Fprintf(os.Stdout, "error: %v\n", err)
			}
		}
	}()
	return srv.ListenAndServe(ctx)
}

const usage = `commands:
  agents
  set <agent> <processor> <property>=<value>
  start <agent>
  stop <agent>
  register <agent>
`

// dispatch runs one stdin command line against srv.
func dispatch(srv *controlserver.Server, line string, out io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch cmd, args := fields[0], fields[1:]; cmd {
	case "agents":
		for _, a := range srv.Agents() {
			fmt.Fprintf(out, "%s remote=%s seq=%d reports=%d pending=%d last_seen=%s\n",
				a.Name, a.RemoteAddr, a.LastSeq, a.Reports, srv.Pending(a.Name), a.LastSeenAt.Format("15:04:05"))
		}
		return nil
	case "set":
		if len(args) < 3 {
			return fmt.Errorf("set needs agent, processor and property=value")
		}
		property, value, ok := strings.Cut(strings.Join(args[2:], " "), "=")
		if !ok || strings.TrimSpace(property) == "" {
			return fmt.Errorf("set needs property=value, got %q", strings.Join(args[2:], " "))
		}
		return srv.PushProperty(args[0], args[1], strings.TrimSpace(property), strings.TrimSpace(value))
	case "start", "stop", "register":
		if len(args) != 1 {
			return fmt.Errorf("%s needs one agent", cmd)
		}
		switch cmd {
		case "start":
			return srv.StartFlow(args[0])
		case "stop":
			return srv.StopFlow(args[0])
		default:
			return srv.TriggerRegister(args[0])
		}
	case "help":
		_, err := io.WriteString(out, usage)
		return err
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
