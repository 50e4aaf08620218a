// chatclient is a terminal client for the venue chat server. It keeps a
// reconnecting connection, prints pushed events, and reads commands from
// stdin.
//
// Usage:
//
//	chatclient -server http://localhost:8080 -token <bearer token>
//
// Commands:
//
//	/dm <user_id> <text>   send a private message
//	/conversations         list private conversations
//	/read <user_id>        mark a private conversation read
//	/quit                  exit
//
// Any other input is sent to the public channel.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/venueops/chatcore/internal/client"
	"github.com/venueops/chatcore/internal/protocol"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "chat server base URL")
	token := flag.String("token", "", "bearer token")
	flag.Parse()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "chatclient: -token is required")
		os.Exit(1)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg := client.DefaultConfig()
	cfg.BaseURL = *serverURL
	cfg.Token = *token

	c, err := client.New(cfg, client.Handlers{
		OnMessage: func(msg protocol.Message) {
			when := msg.CreatedAt.Local().Format("15:04:05")
			if msg.Scope == protocol.ScopePrivate {
				fmt.Printf("[%s] (dm) %s: %s\n", when, msg.SenderName, msg.Content)
				return
			}
			fmt.Printf("[%s] %s: %s\n", when, msg.SenderName, msg.Content)
		},
		OnPresence: func(pd protocol.PresenceData) {
			state := "offline"
			if pd.Online {
				state = "online"
			}
			fmt.Printf("* user %d is %s\n", pd.UserID, state)
		},
		OnTyping: func(td protocol.TypingData) {
			if td.IsTyping {
				fmt.Printf("* user %d is typing...\n", td.UserID)
			}
		},
		OnState: func(s client.State) {
			fmt.Printf("* connection: %s\n", s)
		},
		OnError: func(ed protocol.ErrorData) {
			fmt.Printf("! %s\n", ed.Message)
		},
	}, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatclient: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := c.SendPublic(line); err != nil {
				fmt.Printf("! send failed: %v\n", err)
			}
			continue
		}
		if done := runCommand(c, line); done {
			return
		}
	}
}

// runCommand handles one slash command, reporting whether the client
// should exit.
func runCommand(c *client.Client, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true

	case "/dm":
		if len(fields) < 3 {
			fmt.Println("usage: /dm <user_id> <text>")
			return false
		}
		peerID, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			fmt.Println("! invalid user id")
			return false
		}
		text := strings.Join(fields[2:], " ")
		if err := c.SendPrivate(peerID, text); err != nil {
			fmt.Printf("! send failed: %v\n", err)
		}

	case "/conversations":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := c.Conversations(ctx)
		if err != nil {
			fmt.Printf("! %v\n", err)
			return false
		}
		if len(resp.Conversations) == 0 {
			fmt.Println("no private conversations")
			return false
		}
		for _, conv := range resp.Conversations {
			marker := " "
			if conv.Online {
				marker = "*"
			}
			fmt.Printf("%s %s (id %d) unread=%d last: %s\n",
				marker, conv.PeerName, conv.PeerID, conv.Unread, conv.LastMessage)
		}

	case "/read":
		if len(fields) != 2 {
			fmt.Println("usage: /read <user_id>")
			return false
		}
		peerID, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			fmt.Println("! invalid user id")
			return false
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.MarkReadPeer(ctx, peerID); err != nil {
			fmt.Printf("! %v\n", err)
		}

	default:
		fmt.Printf("unknown command %s\n", fields[0])
	}
	return false
}
