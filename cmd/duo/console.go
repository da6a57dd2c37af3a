package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/dkeye/duo/internal/app/call"
	"github.com/dkeye/duo/internal/app/events"
	"github.com/dkeye/duo/internal/core"
	"github.com/dkeye/duo/internal/domain"
	rest "github.com/dkeye/duo/internal/transport/http"
)

const help = `commands:
  call <user> [video]   start a call
  answer                accept the ringing call
  reject                decline the ringing call
  end                   hang up
  mute                  toggle microphone
  camera                toggle camera
  users                 list who is online
  reconnect             register with the relay again
  status                show the current call
  quit                  leave`

type command struct {
	name string
	args []string
}

func parseCommand(line string) (command, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, false
	}
	return command{name: strings.ToLower(fields[0]), args: fields[1:]}, true
}

// usersURL turns the relay websocket url into its user directory url.
func usersURL(relay string) (string, error) {
	u, err := url.Parse(relay)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws/signal") + "/users"
	u.RawQuery = ""
	return u.String(), nil
}

type console struct {
	coord   *call.Coordinator
	relay   string
	out     io.Writer
	ringing *events.IncomingCall
	rings   chan events.IncomingCall
}

func newConsole(coord *call.Coordinator, relay string, out io.Writer) *console {
	c := &console{coord: coord, relay: relay, out: out, rings: make(chan events.IncomingCall, 1)}
	coord.AddListener(c.render)
	return c
}

func (c *console) render(ev events.Event) {
	switch e := ev.(type) {
	case events.IncomingCall:
		pterm.Info.Printfln("incoming %s call from %s (%s): answer or reject", e.Media, e.CallerName, e.CallerID)
		select {
		case c.rings <- e:
		default:
		}
	case events.CallStarted:
		pterm.Info.Printfln("calling %s (%s)…", e.RemoteUserID, e.Media)
	case events.CallAnswered:
		pterm.Info.Printfln("answered %s, connecting…", e.RemoteUserID)
	case events.CallConnected:
		pterm.Success.Printfln("connected with %s", e.RemoteUserID)
	case events.RemoteStream:
		pterm.Info.Printfln("receiving %s", e.Track.Class())
	case events.AudioToggled:
		pterm.Info.Println(onOff("microphone", !e.Muted))
	case events.VideoToggled:
		pterm.Info.Println(onOff("camera", !e.Off))
	case events.CallRejected:
		pterm.Warning.Printfln("%s declined the call", e.RemoteUserID)
	case events.ChannelLost:
		pterm.Error.Printfln("lost the relay connection: %v (try reconnect)", e.Err)
	case events.CallEnded:
		if e.Err != nil {
			pterm.Error.Printfln("call with %s ended: %s: %v", e.RemoteUserID, e.Reason, e.Err)
			return
		}
		pterm.Info.Printfln("call with %s ended (%s)", e.RemoteUserID, e.Reason)
	}
}

func onOff(what string, on bool) string {
	if on {
		return what + " on"
	}
	return what + " off"
}

func (c *console) run(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	fmt.Fprintln(c.out, help)
	for {
		select {
		case <-ctx.Done():
			return
		case ring := <-c.rings:
			c.ringing = &ring
		case line, ok := <-lines:
			if !ok {
				return
			}
			cmd, ok := parseCommand(line)
			if !ok {
				continue
			}
			if cmd.name == "quit" || cmd.name == "exit" {
				return
			}
			c.exec(ctx, cmd)
		}
	}
}

func (c *console) exec(ctx context.Context, cmd command) {
	switch cmd.name {
	case "call":
		if len(cmd.args) == 0 {
			pterm.Warning.Println("usage: call <user> [video]")
			return
		}
		target := domain.UserID(cmd.args[0])
		video := len(cmd.args) > 1 && cmd.args[1] == "video"
		go func() { c.report(c.coord.StartCall(ctx, target, video)) }()
	case "answer":
		if c.ringing == nil {
			pterm.Warning.Println("nobody is calling")
			return
		}
		ring := *c.ringing
		c.ringing = nil
		go func() { c.report(c.coord.AnswerCall(ctx, ring)) }()
	case "reject":
		if c.ringing == nil {
			pterm.Warning.Println("nobody is calling")
			return
		}
		c.report(c.coord.RejectCall(c.ringing.CallerID))
		c.ringing = nil
	case "end", "hangup":
		c.coord.EndCall()
	case "mute":
		_, err := c.coord.ToggleMute()
		c.report(err)
	case "camera":
		_, err := c.coord.ToggleCamera()
		c.report(err)
	case "users":
		c.listUsers(ctx)
	case "reconnect":
		if err := c.coord.Connect(ctx); err != nil {
			pterm.Error.Println(err)
			return
		}
		pterm.Success.Println("connected")
	case "status":
		c.status()
	case "help":
		fmt.Fprintln(c.out, help)
	default:
		pterm.Warning.Printfln("unknown command %q, try help", cmd.name)
	}
}

func (c *console) report(err error) {
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrCallCancelled):
		pterm.Info.Println("cancelled")
	default:
		pterm.Error.Println(err)
	}
}

func (c *console) status() {
	info, ok := c.coord.Session()
	if !ok {
		pterm.Info.Println("idle")
		return
	}
	pterm.Info.Printfln("%s %s call with %s: %s for %s",
		info.Direction, info.Media, info.RemoteUserID, info.State, time.Since(info.StartedAt).Round(time.Second))
}

func (c *console) listUsers(ctx context.Context) {
	users, err := fetchUsers(ctx, c.relay)
	if err != nil {
		pterm.Error.Println(err)
		return
	}
	data := pterm.TableData{{"user", "name", "role"}}
	for _, u := range users {
		data = append(data, []string{string(u.ID), u.DisplayName, string(u.Role)})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func fetchUsers(ctx context.Context, relay string) ([]core.MemberDTO, error) {
	target, err := usersURL(relay)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("users: %s", resp.Status)
	}
	var body rest.UsersResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Users, nil
}
