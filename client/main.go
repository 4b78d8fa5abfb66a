package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v3"
)

const usage = `commands:
  select X Y   pick a cell (0-2)
  start        ask the room to start (host only)
  reset        reset the board (host only)
  leave        leave the room
  quit         close the connection`

// send wraps data in the server's envelope and writes it as one text frame.
func send(c *websocket.Conn, event string, data any) error {
	frame, err := json.Marshal(map[string]any{
		"event":  event,
		"sentAt": time.Now().UnixMilli(),
		"data":   data,
	})
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, frame)
}

func main() {
	cmd := &cli.Command{
		Name:  "roomclient",
		Usage: "join a tic-tac-toe room from the terminal",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "localhost:8080", Usage: "server host:port"},
			&cli.StringFlag{Name: "room", Value: "lobby", Usage: "room id to join"},
			&cli.StringFlag{Name: "name", Value: "player", Usage: "display name"},
			&cli.StringFlag{Name: "id", Usage: "player id (random when empty)"},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	playerID := cmd.String("id")
	if playerID == "" {
		playerID = uuid.NewString()
	}

	u := url.URL{Scheme: "ws", Host: cmd.String("addr"), Path: "/ws"}
	log.Printf("Connecting to %s", u.String())

	c, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer c.Close()

	done := make(chan struct{})

	// Read loop
	go func() {
		defer close(done)
		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				log.Println("Read error:", err)
				return
			}
			log.Printf("<- %s", message)
		}
	}()

	err = send(c, "create-room", map[string]any{
		"roomId":   cmd.String("room"),
		"gameSlug": "tic-tac-toe",
		"player":   map[string]string{"id": playerID, "displayName": cmd.String("name")},
	})
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}
	log.Printf("Joined %s as %s (%s)\n%s", cmd.String("room"), cmd.String("name"), playerID, usage)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			log.Println("Interrupt received, closing connection.")
			return closeConn(c, done)
		case line, ok := <-lines:
			if !ok {
				return closeConn(c, done)
			}
			quit, err := handleLine(c, line)
			if err != nil {
				log.Println(err)
			}
			if quit {
				return closeConn(c, done)
			}
		}
	}
}

func handleLine(c *websocket.Conn, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	switch fields[0] {
	case "select":
		if len(fields) != 3 {
			return false, fmt.Errorf("usage: select X Y")
		}
		x, errX := strconv.Atoi(fields[1])
		y, errY := strconv.Atoi(fields[2])
		if errX != nil || errY != nil {
			return false, fmt.Errorf("cell coordinates must be numbers")
		}
		return false, send(c, "tic-tac-toe:cell-selected", map[string]int{"x": x, "y": y})
	case "start":
		return false, send(c, "room:game-state-trigger", map[string]string{"gameState": "in-progress"})
	case "reset":
		return false, send(c, "room:game-state-trigger", map[string]string{"gameState": "default"})
	case "leave":
		return false, send(c, "room:leave", map[string]any{})
	case "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q\n%s", fields[0], usage)
	}
}

func closeConn(c *websocket.Conn, done <-chan struct{}) error {
	err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		log.Println("Write close error:", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return nil
}
