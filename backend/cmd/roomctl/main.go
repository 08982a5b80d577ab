// roomctl 在终端里跑一个房间会话：普通行发消息，/doc 改文档，/who 看在线，/state 看状态，/quit 离开
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"roomsync/backend/internal/logging"
)

func main() {
	var o options
	fs := pflag.NewFlagSet("roomctl", pflag.ExitOnError)
	fs.StringVar(&o.relay, "relay", "http://127.0.0.1:8090", "relay server base url")
	fs.StringVar(&o.room, "room", "", "room id")
	fs.StringVar(&o.kind, "kind", "chat", "room kind: chat|document|generic")
	fs.StringVar(&o.user, "user", "", "user id")
	fs.StringVar(&o.name, "name", "", "display name, defaults to --user")
	fs.StringVar(&o.token, "token", "", "access token")
	fs.StringVar(&o.secret, "secret", "", "sign a token locally with this jwt secret when --token is empty")
	fs.BoolVar(&o.offline, "offline", false, "run against an in-process relay")
	fs.StringVar(&o.logLevel, "log-level", "warn", "debug|info|warn|error")
	_ = fs.Parse(os.Args[1:])

	logger, err := logging.New(o.logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o, logger, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "roomctl:", err)
		os.Exit(1)
	}
}
