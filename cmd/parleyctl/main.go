package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/matheus3301/parley/internal/auth"
	"github.com/matheus3301/parley/internal/config"
	"github.com/matheus3301/parley/internal/daemon"
	"github.com/matheus3301/parley/internal/lock"
	"github.com/matheus3301/parley/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "status":
		cmdStatus(sessionName, *jsonFlag)
	case "watch":
		cmdWatch(sessionName)
	case "reconnect":
		cmdReconnect(sessionName)
	case "whoami":
		cmdWhoami(sessionName, *jsonFlag)
	case "sessions":
		if len(args) >= 2 && args[1] == "list" {
			cmdSessionsList(*jsonFlag)
		} else {
			fmt.Fprintln(os.Stderr, "usage: parleyctl sessions list")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: parleyctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status           Show daemon and connection status")
	fmt.Fprintln(os.Stderr, "  watch            Follow connection changes")
	fmt.Fprintln(os.Stderr, "  reconnect        Re-read the token and reconnect")
	fmt.Fprintln(os.Stderr, "  whoami           Show the identity in the session token")
	fmt.Fprintln(os.Stderr, "  sessions list    List known sessions")
}

type statusReport struct {
	Session     string    `json:"session"`
	Running     bool      `json:"running"`
	PID         int       `json:"pid,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	Since       time.Time `json:"since,omitzero"`
	Connected   bool      `json:"connected"`
	NeedsReauth bool      `json:"needs_reauth"`
}

func cmdStatus(sessionName string, jsonOut bool) {
	report := statusReport{Session: sessionName}
	info, running, err := lock.Inspect(session.Dir(sessionName))
	if err != nil {
		fail(err)
	}
	report.Running = running
	if running {
		report.PID, report.UserID, report.Since = info.PID, info.Owner, info.Since

		c, err := daemon.Dial(session.SocketPath(sessionName))
		if err != nil {
			fail(err)
		}
		defer func() { _ = c.Close() }()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st, err := c.Status(ctx)
		if err != nil {
			fail(fmt.Errorf("cannot reach daemon for session %q: %w", sessionName, err))
		}
		report.Connected, report.NeedsReauth = st.Connected, st.NeedsReauth
	}

	if jsonOut {
		outputJSON(report)
		return
	}

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	fmt.Printf("Session:    %s\n", cyan.Sprint(report.Session))
	if !report.Running {
		fmt.Printf("Daemon:     %s\n", yellow.Sprint("stopped"))
		return
	}
	fmt.Printf("Daemon:     %s (pid %d, up %s)\n", green.Sprint("running"), report.PID, time.Since(report.Since).Round(time.Second))
	fmt.Printf("User:       %s\n", report.UserID)
	switch {
	case report.NeedsReauth:
		fmt.Printf("Connection: %s\n", color.RedString("closed, token rejected (update the token, then run parleyctl reconnect)"))
	case report.Connected:
		fmt.Printf("Connection: %s\n", green.Sprint("connected"))
	default:
		fmt.Printf("Connection: %s\n", yellow.Sprint("not connected"))
	}
}

func cmdWatch(sessionName string) {
	c, err := daemon.Dial(session.SocketPath(sessionName))
	if err != nil {
		fail(err)
	}
	defer func() { _ = c.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = c.WatchConnection(ctx, func(connected bool) {
		ts := time.Now().Format(time.TimeOnly)
		if connected {
			fmt.Printf("%s %s\n", ts, color.GreenString("connected"))
		} else {
			fmt.Printf("%s %s\n", ts, color.YellowString("not connected"))
		}
	})
	if err != nil {
		fail(fmt.Errorf("watch: %w", err))
	}
}

func cmdReconnect(sessionName string) {
	info, running, err := lock.Inspect(session.Dir(sessionName))
	if err != nil {
		fail(err)
	}
	if !running || info.PID == 0 {
		fail(fmt.Errorf("no daemon running for session %q", sessionName))
	}
	if err := syscall.Kill(info.PID, syscall.SIGHUP); err != nil {
		fail(fmt.Errorf("signal daemon %d: %w", info.PID, err))
	}
	color.Green("Reconnect requested (pid %d)\n", info.PID)
}

func cmdWhoami(sessionName string, jsonOut bool) {
	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		fail(err)
	}
	path := cfg.TokenFile
	if path == "" {
		path = session.TokenPath(sessionName)
	}
	token, err := auth.ResolveToken(os.Getenv(config.TokenEnv), path)
	if err != nil {
		fail(err)
	}
	id, err := auth.ParseToken(token, time.Now())
	if err != nil && !errors.Is(err, auth.ErrTokenExpired) {
		fail(err)
	}
	if jsonOut {
		outputJSON(id)
		return
	}
	fmt.Printf("User:    %s\n", color.CyanString(id.UserID))
	if id.Name != "" {
		fmt.Printf("Name:    %s\n", id.Name)
	}
	switch {
	case id.ExpiresAt.IsZero():
		fmt.Println("Expires: never")
	case id.Expired(time.Now()):
		fmt.Printf("Expires: %s\n", color.RedString("expired %s", id.ExpiresAt.Local().Format(time.RFC1123)))
	default:
		fmt.Printf("Expires: %s\n", id.ExpiresAt.Local().Format(time.RFC1123))
	}
}

type sessionEntry struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Running bool   `json:"running"`
	UserID  string `json:"user_id,omitempty"`
}

func cmdSessionsList(jsonOut bool) {
	entries, err := os.ReadDir(filepath.Join(session.BaseDir(), "sessions"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		fail(err)
	}
	var list []sessionEntry
	for _, e := range entries {
		if !e.IsDir() || session.ValidateName(e.Name()) != nil {
			continue
		}
		entry := sessionEntry{Name: e.Name(), Path: session.Dir(e.Name())}
		if info, ok, err := lock.Inspect(entry.Path); err == nil && ok {
			entry.Running, entry.UserID = true, info.Owner
		}
		list = append(list, entry)
	}
	if jsonOut {
		outputJSON(list)
		return
	}
	if len(list) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	for _, s := range list {
		state := color.YellowString("stopped")
		if s.Running {
			state = color.GreenString("running as %s", s.UserID)
		}
		fmt.Printf("%-20s %s (%s)\n", s.Name, s.Path, state)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func fail(err error) {
	color.Red("error: %v\n", err)
	os.Exit(1)
}
