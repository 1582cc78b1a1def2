// Command chat is a line-oriented terminal client for the DM service.
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"sync"

	"chatsync/internal/app"
	"chatsync/internal/config"
	"chatsync/internal/logging"
	"chatsync/internal/model"
	"chatsync/internal/notify"
)

const usage = `commands:
  signup <full name> <email> <password>
  login <email> <password>
  logout
  whoami
  users [online]        list contacts, optionally only online ones
  open <n|id>           open the conversation with a listed contact
  close
  send <text>
  image <path> [text]   send an image file, with an optional caption
  images <path>...      send several image files in one message
  profile <path>        set the profile picture
  memories              list your saved images and videos
  remember <path>...    upload image or video files to your memories
  refresh
  help
  quit`

type term struct {
	client *app.Client
	out    io.Writer

	mu      sync.Mutex
	printed map[string]bool
	online  int
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stderr, cfg.Log)
	slog.SetDefault(logger)

	t := &term{out: os.Stdout, printed: make(map[string]bool)}
	notices := notify.Func(func(n notify.Notice) {
		fmt.Fprintf(t.out, "[%s] %s\n", n.Level, n.Message)
	})

	client, err := app.New(cfg, notices, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	t.client = client

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go t.watch(ctx)

	if client.Start(ctx) {
		id, _ := client.Session.Identity()
		fmt.Fprintf(t.out, "welcome back, %s\n", id.FullName)
	} else {
		fmt.Fprintln(t.out, "not logged in; type help")
	}

	t.loop(ctx, os.Stdin)
	client.Session.DisconnectChannel()
}

func (t *term) loop(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for {
		fmt.Fprint(t.out, "> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return
		}
		if err := t.exec(ctx, line); err != nil {
			slog.Debug("command failed", "command", strings.Fields(line)[0], "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (t *term) exec(ctx context.Context, line string) error {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	c := t.client

	switch cmd {
	case "help":
		fmt.Fprintln(t.out, usage)

	case "signup":
		fields := strings.Fields(rest)
		if len(fields) < 3 {
			fmt.Fprintln(t.out, "usage: signup <full name> <email> <password>")
			return nil
		}
		n := len(fields)
		_, err := c.Session.Signup(ctx, model.SignupRequest{
			FullName: strings.Join(fields[:n-2], " "),
			Email:    fields[n-2],
			Password: fields[n-1],
		})
		if err != nil {
			return err
		}
		return c.Refresh(ctx)

	case "login":
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			fmt.Fprintln(t.out, "usage: login <email> <password>")
			return nil
		}
		if _, err := c.Session.Login(ctx, model.Credentials{Email: fields[0], Password: fields[1]}); err != nil {
			return err
		}
		return c.Refresh(ctx)

	case "logout":
		return c.Logout(ctx)

	case "whoami":
		s := c.Session.Snapshot()
		if s.Identity == nil {
			fmt.Fprintln(t.out, "not logged in")
			return nil
		}
		fmt.Fprintf(t.out, "%s <%s> id=%s connected=%t\n", s.Identity.FullName, s.Identity.Email, s.Identity.ID, s.Connected)

	case "users":
		onlineOnly := rest == "online"
		contacts := c.VisibleContacts(onlineOnly)
		fmt.Fprintf(t.out, "%d online\n", c.Session.OnlineOthers())
		for i, contact := range contacts {
			status := "offline"
			if c.Session.IsOnline(contact.ID) {
				status = "online"
			}
			fmt.Fprintf(t.out, "%3d  %-24s %s\n", i+1, contact.FullName, status)
		}

	case "open":
		contact, ok := t.findContact(rest)
		if !ok {
			fmt.Fprintln(t.out, "no such contact; run users first")
			return nil
		}
		t.resetPrinted()
		fmt.Fprintf(t.out, "-- %s --\n", contact.FullName)
		_, err := c.Open(ctx, contact)
		return err

	case "close":
		c.Close()
		t.resetPrinted()

	case "send":
		if rest == "" {
			return nil
		}
		_, err := c.Conversations.Send(ctx, model.Content{Text: rest})
		return err

	case "image":
		path, caption, _ := strings.Cut(rest, " ")
		payload, err := readMedia(path, "image/")
		if err != nil {
			fmt.Fprintln(t.out, err)
			return err
		}
		_, err = c.Conversations.Send(ctx, model.Content{Text: strings.TrimSpace(caption), Image: payload})
		return err

	case "images":
		payloads, err := readAll(strings.Fields(rest), "image/")
		if err != nil {
			fmt.Fprintln(t.out, err)
			return err
		}
		_, err = c.Conversations.Send(ctx, model.Content{Images: payloads})
		return err

	case "profile":
		payload, err := readMedia(rest, "image/")
		if err != nil {
			fmt.Fprintln(t.out, err)
			return err
		}
		_, err = c.Session.UpdateProfile(ctx, payload)
		return err

	case "memories":
		items := c.Memories.Snapshot().Items
		fmt.Fprintf(t.out, "%d memories\n", len(items))
		for i, item := range items {
			fmt.Fprintf(t.out, "%3d  %-5s %s\n", i+1, item.Type, item.UploadedAt.Local().Format("2006-01-02 15:04"))
		}

	case "remember":
		payloads, err := readAll(strings.Fields(rest), "image/", "video/")
		if err != nil {
			fmt.Fprintln(t.out, err)
			return err
		}
		_, err = c.Memories.Upload(ctx, payloads...)
		return err

	case "refresh":
		return c.Refresh(ctx)

	default:
		fmt.Fprintf(t.out, "unknown command %q; type help\n", cmd)
	}
	return nil
}

func (t *term) findContact(ref string) (model.Contact, bool) {
	contacts := t.client.Conversations.Snapshot().Contacts
	if n, err := strconv.Atoi(ref); err == nil && n >= 1 && n <= len(contacts) {
		return contacts[n-1], true
	}
	for _, contact := range contacts {
		if contact.ID == ref || strings.EqualFold(contact.FullName, ref) {
			return contact, true
		}
	}
	return model.Contact{}, false
}

// watch prints messages as they land in the open conversation and presence
// changes as they are broadcast.
func (t *term) watch(ctx context.Context) {
	convCh, stopConv := t.client.Conversations.Watch()
	defer stopConv()
	sessCh, stopSess := t.client.Session.Watch()
	defer stopSess()

	for {
		select {
		case <-ctx.Done():
			return
		case <-convCh:
			t.printMessages()
		case <-sessCh:
			t.printPresence()
		}
	}
}

func (t *term) printMessages() {
	state := t.client.Conversations.Snapshot()
	if state.Selected == nil {
		return
	}
	me, _ := t.client.Session.Identity()

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, msg := range state.Messages {
		if t.printed[msg.ID] {
			continue
		}
		t.printed[msg.ID] = true
		who := state.Selected.FullName
		if msg.SenderID == me.ID {
			who = "you"
		}
		body := msg.Text
		switch n := len(model.Content{Image: msg.Image, Images: msg.Images}.Attachments()); n {
		case 0:
		case 1:
			body = strings.TrimSpace(body + " [image]")
		default:
			body = strings.TrimSpace(body + fmt.Sprintf(" [%d images]", n))
		}
		fmt.Fprintf(t.out, "%s %s: %s\n", msg.CreatedAt.Local().Format("15:04"), who, body)
	}
}

func (t *term) printPresence() {
	n := t.client.Session.OnlineOthers()
	t.mu.Lock()
	defer t.mu.Unlock()
	if n != t.online {
		t.online = n
		fmt.Fprintf(t.out, "(%d online)\n", n)
	}
}

func (t *term) resetPrinted() {
	t.mu.Lock()
	t.printed = make(map[string]bool)
	t.mu.Unlock()
}

// readMedia loads a file as a data URL, accepting only the given MIME
// prefixes.
func readMedia(path string, kinds ...string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("no file given")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	mime := http.DetectContentType(data)
	if !slices.ContainsFunc(kinds, func(k string) bool { return strings.HasPrefix(mime, k) }) {
		return "", fmt.Errorf("%s has unsupported type %s", path, mime)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func readAll(paths []string, kinds ...string) ([]string, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no file given")
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		payload, err := readMedia(p, kinds...)
		if err != nil {
			return nil, err
		}
		out = append(out, payload)
	}
	return out, nil
}
