package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/app"
	"github.com/dkeye/Collab/internal/config"
	"github.com/dkeye/Collab/internal/domain"
	"github.com/dkeye/Collab/internal/media"
	"github.com/dkeye/Collab/internal/presence"
)

const help = `commands:
  <text>            send a chat message
  /paper <text>     append text to the shared paper
  /show             print paper, chat and members
  /mute, /unmute    toggle the microphone (meeting rooms)
  /quit             leave the room`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	flags := config.Flags("collab")
	roomFlag := flags.String("room", "lobby", "room id")
	nameFlag := flags.String("name", "", "display name")
	kindFlag := flags.String("kind", string(domain.RoomDocument), "room kind: document or meeting")
	if err := flags.Parse(os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("bad flags")
	}
	cfg, err := config.Load(flags)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	room, err := domain.ParseRoomID(*roomFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("bad room")
	}
	kind := domain.RoomKind(*kindFlag)
	if kind != domain.RoomDocument && kind != domain.RoomMeeting {
		log.Fatal().Str("kind", *kindFlag).Msg("unknown room kind")
	}
	me, err := domain.NewIdentity(*nameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("bad name")
	}

	reg, closers, err := buildRegistry(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer closers.run()

	sess, err := reg.Acquire(ctx, room, *me, kind)
	if err != nil {
		log.Error().Err(err).Msg("join failed")
		return
	}
	sess.Observe(app.Events{
		Presence: func(ev presence.Event) {
			fmt.Printf("* %s %s\n", ev.Record.DisplayName, ev.Kind)
		},
		Changed: func(container string) {
			if container == app.ContainerMessages {
				printLastMessage(sess)
			}
		},
		RemoteStream: func(p domain.PeerID, s media.Stream) {
			fmt.Printf("* media from %s (%d tracks)\n", p, len(s.Tracks()))
		},
		PeerClosed: func(p domain.PeerID, err error) {
			if err != nil {
				fmt.Printf("* link to %s failed: %v\n", p, err)
			}
		},
	})
	fmt.Printf("joined %s as %s (%s)\n%s\n", room, me.DisplayName, kind, help)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				break loop
			}
			if err := handle(sess, line); err != nil {
				fmt.Println("error:", err)
			}
		}
	}

	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer leaveCancel()
	if err := reg.Release(leaveCtx, room); err != nil {
		log.Error().Err(err).Msg("leave failed")
	}
}

func handle(sess *app.Session, line string) error {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil
	case line == "/show":
		return show(sess)
	case line == "/mute":
		return sess.SetAudioMuted(true)
	case line == "/unmute":
		return sess.SetAudioMuted(false)
	case strings.HasPrefix(line, "/paper "):
		paper, err := sess.Paper()
		if err != nil {
			return err
		}
		return sess.EditPaper(len([]rune(paper)), 0, strings.TrimPrefix(line, "/paper ")+"\n")
	case strings.HasPrefix(line, "/"):
		fmt.Println(help)
		return nil
	default:
		_, err := sess.SendMessage(line, domain.MessageText)
		return err
	}
}

func show(sess *app.Session) error {
	paper, err := sess.Paper()
	if err != nil {
		return err
	}
	msgs, err := sess.Messages()
	if err != nil {
		return err
	}
	fmt.Printf("--- paper ---\n%s\n--- chat ---\n", paper)
	for _, m := range msgs {
		fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format(time.Kitchen), m.UserName, m.Content)
	}
	fmt.Println("--- members ---")
	for _, r := range sess.Members() {
		fmt.Printf("%s (%s)\n", r.DisplayName, r.PeerID)
	}
	return nil
}

func printLastMessage(sess *app.Session) {
	msgs, err := sess.Messages()
	if err != nil || len(msgs) == 0 {
		return
	}
	m := msgs[len(msgs)-1]
	if m.UserID == sess.Identity().PeerID {
		return
	}
	fmt.Printf("%s: %s\n", m.UserName, m.Content)
}
