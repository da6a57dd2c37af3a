package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/duo/internal/adapters/channel"
	"github.com/dkeye/duo/internal/adapters/rtc"
	"github.com/dkeye/duo/internal/app/call"
	"github.com/dkeye/duo/internal/config"
	"github.com/dkeye/duo/internal/domain"
	"github.com/dkeye/duo/internal/logging"
	"github.com/dkeye/duo/internal/media"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fs := pflag.NewFlagSet("duo", pflag.ExitOnError)
	config.ClientFlags(fs)
	_ = fs.Parse(os.Args[1:])

	logging.Setup(os.Stderr, "debug", "warn")
	cfg, err := config.Load(fs)
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
	logging.Setup(os.Stderr, "debug", cfg.LogLevel)
	cfg.OnChange(func(next *config.Config) { logging.SetLevel(next.LogLevel) })

	pterm.Info.Println("duo: 1:1 calls")
	pterm.Println()

	if cfg.Client.UserID == "" {
		cfg.Client.UserID = ask("Your user id")
	}
	id, err := domain.NewIdentity(domain.UserID(cfg.Client.UserID), domain.Role(cfg.Client.Role), cfg.Client.DisplayName)
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}

	capturer, codecs, err := newCapturer()
	if err != nil {
		pterm.Error.Println(fmt.Errorf("codecs: %w", err))
		os.Exit(1)
	}

	coord := call.New(call.Options{
		Identity: id,
		Channel: channel.New(channel.Options{
			URL:          cfg.Client.RelayURL,
			WriteTimeout: cfg.WriteTimeout,
			ReadLimit:    cfg.ReadLimit,
		}),
		Media: media.NewManager(capturer, cfg.Client.AcquireTimeout),
		Negotiators: rtc.NewFactory(rtc.Options{
			ICEServers:          cfg.Client.ICEServers,
			DisconnectedTimeout: cfg.Client.ICEDisconnectedTimeout,
			FailedTimeout:       cfg.Client.ICEFailedTimeout,
			KeepaliveInterval:   cfg.Client.ICEKeepalive,
			Codecs:              codecs,
		}),
		RingTimeout: cfg.Client.RingTimeout,
	})

	if err := coord.Connect(ctx); err != nil {
		pterm.Error.Printfln("connect %s: %v", cfg.Client.RelayURL, err)
		os.Exit(1)
	}
	coord.Start(ctx)
	pterm.Success.Printfln("online as %s (%s)", id.ID, id.Role)

	ui := newConsole(coord, cfg.Client.RelayURL, os.Stdout)
	ui.run(ctx, os.Stdin)

	if err := coord.Close(); err != nil {
		log.Debug().Err(err).Str("module", "main").Msg("close")
	}
	pterm.Info.Println("bye")
}

// ask prompts once; an empty answer leaves a random id to NewIdentity.
func ask(prompt string) string {
	raw, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText(prompt).
		Show()
	pterm.Println()
	return raw
}
