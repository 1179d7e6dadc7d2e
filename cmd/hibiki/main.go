package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ashita-ai/hibiki"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("HIBIKI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	// Logs go to stderr; stdout is the conversation.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cancel, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	app, err := hibiki.New(
		hibiki.WithVersion(version),
		hibiki.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	// Run owns shutdown; it returns once ctx is cancelled.
	runErr := make(chan error, 1)
	go func() { runErr <- app.Run(ctx) }()

	lines := make(chan string)
	go readLines(lines)

	fmt.Println("hibiki ready. Type a message, or: list, status [ref], approve [ref], reject [ref], quit.")

	for {
		select {
		case <-ctx.Done():
			return <-runErr
		case err := <-runErr:
			return err
		case line, ok := <-lines:
			if !ok {
				cancel()
				return <-runErr
			}
			if !handle(ctx, app, line) {
				cancel()
				return <-runErr
			}
		}
	}
}

// readLines feeds stdin to the console loop and closes the channel on EOF.
func readLines(lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		lines <- sc.Text()
	}
}

// handle runs one console command. It returns false when the session should end.
func handle(ctx context.Context, app *hibiki.App, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}

	verb, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch verb {
	case "quit", "exit":
		return false
	case "list":
		listPending(app)
	case "status":
		if ref, ok := resolveRef(app, rest); ok {
			showStatus(app, ref)
		}
	case "approve", "run":
		if ref, ok := resolveRef(app, rest); ok {
			decide(ctx, app, "approve", ref)
		}
	case "reject", "cancel":
		if ref, ok := resolveRef(app, rest); ok {
			decide(ctx, app, "reject", ref)
		}
	default:
		ask(ctx, app, line)
	}
	return true
}

// resolveRef fills an omitted plan reference with the newest pending plan.
func resolveRef(app *hibiki.App, ref string) (string, bool) {
	if ref != "" {
		return ref, true
	}
	plans, err := app.Pending()
	if err != nil {
		fmt.Printf("lookup failed: %v\n", err)
		return "", false
	}
	if len(plans) == 0 {
		fmt.Println("no pending plans")
		return "", false
	}
	return plans[0].ID, true
}

func ask(ctx context.Context, app *hibiki.App, message string) {
	res, err := app.Ask(ctx, "console", message, func(delta string) {
		fmt.Print(delta)
	})
	fmt.Println()
	if err != nil {
		fmt.Println(hibiki.Fallback(err))
		return
	}
	if res.Plan != nil {
		fmt.Printf("plan %s awaits approval: %s\n", res.Plan.Short, res.Plan.Summary)
		fmt.Printf("  approve %s | reject %s\n", res.Plan.Short, res.Plan.Short)
	}
}

func decide(ctx context.Context, app *hibiki.App, verb, ref string) {
	var res *hibiki.Resolution
	var err error
	if verb == "approve" {
		res, err = app.Approve(ctx, ref)
	} else {
		res, err = app.Reject(ctx, ref)
	}
	if err != nil {
		switch {
		case hibiki.IsNotFound(err):
			fmt.Printf("no pending plan matches %q\n", ref)
		case hibiki.IsAmbiguous(err):
			fmt.Printf("%q matches more than one pending plan; use the full id\n", ref)
		default:
			fmt.Printf("%s failed: %v\n", verb, err)
		}
		return
	}
	fmt.Println(res.Ack)
	if res.Report != "" {
		fmt.Println(res.Report)
	}
}

func listPending(app *hibiki.App) {
	plans, err := app.Pending()
	if err != nil {
		fmt.Printf("list failed: %v\n", err)
		return
	}
	if len(plans) == 0 {
		fmt.Println("no pending plans")
		return
	}
	for _, p := range plans {
		fmt.Printf("%s  %d action(s)  %s\n", p.Short, len(p.Actions), p.Summary)
	}
}

func showStatus(app *hibiki.App, ref string) {
	p, err := app.Status(ref)
	if err != nil {
		if hibiki.IsNotFound(err) {
			fmt.Printf("no plan matches %q\n", ref)
		} else {
			fmt.Printf("status failed: %v\n", err)
		}
		return
	}
	fmt.Printf("plan %s [%s]: %s\n", p.Short, p.Status, p.Summary)
	for i, act := range p.Actions {
		fmt.Printf("  %d. %s (%s) [%s] %s\n", i+1, act.Type, act.Privilege, act.Status, act.Description)
	}
}
