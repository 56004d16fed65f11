package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pxxxe/trollbox/internal/config"
	"github.com/pxxxe/trollbox/internal/content"
	"github.com/pxxxe/trollbox/internal/identity"
	"github.com/pxxxe/trollbox/internal/reconcile"
	"github.com/pxxxe/trollbox/internal/session"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runSession(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "reset-identity":
		return runReset(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: trollbox <run|status|reset-identity> [args]")
	fmt.Fprintln(w, "  run    [--data <dir>] [--name <display name>] [--debug]")
	fmt.Fprintln(w, "  status [--data <dir>]")
	fmt.Fprintln(w, "  reset-identity [--data <dir>]")
}

func runSession(args []string, stdout, stderr io.Writer) int {
	fs := newFlags("run", stderr)
	dataDir := fs.String("data", "", "data directory (default ~/.trollbox)")
	name := fs.String("name", "", "display name override")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv("TROLLBOX_DEBUG", "1")
	}

	cfg, err := config.Load(*dataDir)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	if *name != "" {
		cfg.DisplayName = *name
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &renderer{out: stdout}
	s, err := session.New(ctx, cfg, r.redraw)
	if err != nil {
		fmt.Fprintf(stderr, "start session: %v\n", err)
		return 1
	}
	defer s.Close()
	r.setSession(s)

	fmt.Fprintf(stdout, "connected as %s (%s) on %d relays\n", cfg.DisplayName, short(s.ID.PublicKey), len(cfg.Relays))
	fmt.Fprintln(stdout, "type a message, or /react <n> <emoji>, /share <dir>, /image <file>, /fetch <n>, /list <n>, /quit")

	in := bufio.NewScanner(os.Stdin)
	for in.Scan() {
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return 0
		}
		if err := r.handle(ctx, line); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
		}
	}
	return 0
}

func newFlags(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// renderer prints newly reconciled messages and resolves the on-screen
// numbers that the slash commands refer to. It is the session's change
// callback, so it must never call back into the session while printing.
type renderer struct {
	out io.Writer

	mu      sync.Mutex
	session *session.Session
	printed map[string]bool
	visible []reconcile.Message
}

func (r *renderer) setSession(s *session.Session) {
	r.mu.Lock()
	r.session = s
	r.mu.Unlock()
	r.redraw()
}

func (r *renderer) redraw() {
	r.mu.Lock()
	s := r.session
	r.mu.Unlock()
	if s == nil {
		return
	}
	r.render(s.Messages())
}

// render prints messages not shown yet. Printed state is tracked by
// event ID, not list position: a late arrival with an older timestamp
// sorts into the middle of the snapshot and must still be printed.
func (r *renderer) render(msgs []reconcile.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.printed == nil {
		r.printed = make(map[string]bool)
	}
	r.visible = msgs
	for i, m := range msgs {
		if r.printed[m.ID] {
			continue
		}
		r.printed[m.ID] = true
		r.printMessage(i, m)
	}
}

func (r *renderer) printMessage(n int, m reconcile.Message) {
	mark := ""
	if m.IsOwn && !m.Confirmed {
		mark = " (sending)"
	}
	fmt.Fprintf(r.out, "[%d] <%s>%s %s", n, m.DisplayName, mark, m.Body)
	if m.ReplyTo != "" {
		fmt.Fprintf(r.out, "  (reply to %s)", short(m.ReplyTo))
	}
	if m.FileShare != nil {
		switch {
		case m.FileShare.Vault != nil:
			fmt.Fprintf(r.out, "  [vault %s, %d files]", m.FileShare.Vault.DisplayName, m.FileShare.Vault.FileCount)
		case m.FileShare.Image != nil:
			fmt.Fprintf(r.out, "  [image %s, %d bytes]", m.FileShare.Image.Filename, m.FileShare.Image.SizeBytes)
		}
	}
	for _, rx := range m.Reactions {
		fmt.Fprintf(r.out, "  %s x%d", rx.Emoji, len(rx.Reactors))
	}
	fmt.Fprintln(r.out)
}

// messageAt resolves an on-screen number to the message it showed.
func (r *renderer) messageAt(n int) (reconcile.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n < 0 || n >= len(r.visible) {
		return reconcile.Message{}, fmt.Errorf("no message %d on screen", n)
	}
	return r.visible[n], nil
}

func (r *renderer) handle(ctx context.Context, line string) error {
	defer r.redraw()

	if !strings.HasPrefix(line, "/") {
		_, err := r.session.SendMessage(ctx, line, "")
		return err
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/react":
		if len(fields) != 3 {
			return fmt.Errorf("usage: /react <n> <emoji>")
		}
		m, err := r.target(fields[1])
		if err != nil {
			return err
		}
		return r.session.ToggleReaction(ctx, m.ID, fields[2])

	case "/reply":
		if len(fields) < 3 {
			return fmt.Errorf("usage: /reply <n> <text>")
		}
		m, err := r.target(fields[1])
		if err != nil {
			return err
		}
		_, err = r.session.SendMessage(ctx, strings.Join(fields[2:], " "), m.ID)
		return err

	case "/share":
		if len(fields) != 2 {
			return fmt.Errorf("usage: /share <dir>")
		}
		entries, err := readDirEntries(fields[1])
		if err != nil {
			return err
		}
		_, err = r.session.ShareVault(ctx, filepath.Base(fields[1]), entries)
		return err

	case "/image":
		if len(fields) != 2 {
			return fmt.Errorf("usage: /image <file>")
		}
		data, err := os.ReadFile(fields[1])
		if err != nil {
			return err
		}
		_, err = r.session.ShareImage(ctx, filepath.Base(fields[1]), data)
		return err

	case "/fetch":
		if len(fields) != 2 {
			return fmt.Errorf("usage: /fetch <n>")
		}
		m, err := r.target(fields[1])
		if err != nil {
			return err
		}
		if m.FileShare == nil || m.FileShare.Image == nil {
			return fmt.Errorf("message %s carries no image", short(m.ID))
		}
		data, err := r.session.FetchImage(ctx, m.FileShare.Image)
		if err != nil {
			return err
		}
		path := m.FileShare.Image.Filename
		if err := os.WriteFile(path, data, 0600); err != nil {
			return err
		}
		fmt.Fprintf(r.out, "saved %s (%d bytes)\n", path, len(data))
		return nil

	case "/list":
		if len(fields) != 2 {
			return fmt.Errorf("usage: /list <n>")
		}
		m, err := r.target(fields[1])
		if err != nil {
			return err
		}
		if m.FileShare == nil || m.FileShare.Vault == nil {
			return fmt.Errorf("message %s carries no vault", short(m.ID))
		}
		entries, err := r.session.ListVault(ctx, m.FileShare.Vault)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintf(r.out, "  %-9s %s  %s\n", e.Kind, e.CID, e.Name)
		}
		return nil

	default:
		return fmt.Errorf("unknown command %s", fields[0])
	}
}

func (r *renderer) target(raw string) (reconcile.Message, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return reconcile.Message{}, fmt.Errorf("bad message number %q", raw)
	}
	return r.messageAt(n)
}

// readDirEntries loads every regular file directly under dir.
func readDirEntries(dir string) ([]content.Entry, error) {
	listing, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var entries []content.Entry
	for _, item := range listing {
		if !item.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, item.Name()))
		if err != nil {
			return nil, err
		}
		entries = append(entries, content.Entry{Name: item.Name(), Data: data})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no files under %s", dir)
	}
	return entries, nil
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := newFlags("status", stderr)
	dataDir := fs.String("data", "", "data directory (default ~/.trollbox)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := config.Load(*dataDir)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}

	id, err := identity.Load(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(stdout, "identity: none (created on first run)\n")
	} else {
		fmt.Fprintf(stdout, "identity: %s\n", id.PublicKey)
	}
	fmt.Fprintf(stdout, "name:     %s\n", cfg.DisplayName)
	fmt.Fprintf(stdout, "relays:   %s\n", strings.Join(cfg.Relays, ", "))

	raw, err := os.ReadFile(session.MetricsPath(cfg.DataDir))
	if err != nil {
		fmt.Fprintln(stdout, "metrics:  no snapshot yet")
		return 0
	}
	var pretty json.RawMessage = raw
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "bad metrics snapshot: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "metrics:\n%s\n", out)
	return 0
}

func runReset(args []string, stdout, stderr io.Writer) int {
	fs := newFlags("reset-identity", stderr)
	dataDir := fs.String("data", "", "data directory (default ~/.trollbox)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := config.Load(*dataDir)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	id, err := identity.Reset(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(stderr, "reset failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "new identity: %s\n", id.PublicKey)
	fmt.Fprintln(stdout, "messages signed by the old key stay attributed to it")
	return 0
}

func short(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
