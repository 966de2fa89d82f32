package main

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"echochan/internal/event"
	"echochan/internal/identity"
)

var (
	relayURL  = flag.String("relay", "ws://localhost:7447", "relay url")
	room      = flag.String("room", "#loadtest", "room to publish into")
	userCount = flag.Int("users", 100, "publishing identities") // ⚠️ start small against public relays
	msgCount  = flag.Int("messages", 20, "messages per identity")
	pause     = flag.Duration("pause", 10*time.Millisecond, "pause between messages")
)

type stats struct {
	sent     atomic.Int64
	accepted atomic.Int64
	rejected atomic.Int64
}

func main() {
	flag.Parse()
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	log.Info().Int("users", *userCount).Int("messages", *msgCount).Str("relay", *relayURL).Msg("🔥 STARTING STRESS TEST")
	start := time.Now()

	var (
		wg sync.WaitGroup
		st stats
	)
	for i := 0; i < *userCount; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := runUser(n, &st); err != nil {
				log.Error().Err(err).Int("user", n).Msg("❌ user failed")
			}
		}(i)
	}
	wg.Wait()

	log.Info().
		Int64("sent", st.sent.Load()).
		Int64("accepted", st.accepted.Load()).
		Int64("rejected", st.rejected.Load()).
		Dur("elapsed", time.Since(start)).
		Msg("✅ LOAD TEST COMPLETE")
}

// runUser publishes msgCount signed events from a fresh identity and counts the
// relay's OK answers.
func runUser(n int, st *stats) error {
	keys, err := identity.Generate()
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.Dial(*relayURL, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	acks := make(chan struct{})
	go func() {
		defer close(acks)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := event.ParseFrame(data)
			if err != nil || f.Type != event.FrameOK {
				continue
			}
			if f.Accepted {
				st.accepted.Add(1)
			} else {
				st.rejected.Add(1)
			}
		}
	}()

	nick := fmt.Sprintf("load-%d", n)
	for i := 0; i < *msgCount; i++ {
		content, err := event.EncodeContent(event.MessagePayload{
			Type:         event.TypeMessage,
			Room:         *room,
			Nick:         nick,
			CreatedAtSec: time.Now().Unix(),
			Text:         fmt.Sprintf("LoadTest Msg %d from %s", i, nick),
			Attachments:  []event.Attachment{},
		})
		if err != nil {
			return err
		}
		ev, err := event.New(keys, event.KindMessage, event.RoomTags(*room, ""), content, time.Now().Unix())
		if err != nil {
			return err
		}
		frame, err := event.EncodePublish(ev)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		st.sent.Add(1)
		time.Sleep(*pause)
	}

	// give the relay a moment to answer before hanging up
	time.Sleep(500 * time.Millisecond)
	conn.Close()
	<-acks
	return nil
}
