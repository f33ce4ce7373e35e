package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskrun/internal/app"
	"taskrun/internal/runner"
	"taskrun/pkg/sdnotify"
)

func main() {
	var (
		cfgPath  string
		runTask  string
		listOnly bool
		historyN int
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.StringVar(&runTask, "run", "", "run the named task once and exit with its status")
	flag.BoolVar(&listOnly, "list", false, "print configured tasks and exit")
	flag.IntVar(&historyN, "history", 0, "print the N most recent runs and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	switch {
	case listOnly:
		for _, t := range a.Tasks() {
			next := "-"
			if !t.Next.IsZero() {
				next = t.Next.Format(time.RFC3339)
			}
			fmt.Printf("%-24s %-28s next=%s  %s\n", t.Name, t.Trigger, next, t.Script)
		}
		return
	case historyN > 0:
		recs, err := a.RecentRuns(ctx, "", historyN)
		if err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		for _, r := range recs {
			status := "ok"
			if r.Error != "" {
				status = fmt.Sprintf("exit=%d %s", r.ExitCode, r.Error)
			}
			fmt.Printf("%s %-24s %-8s %8s  %s\n",
				r.Started.Format(time.RFC3339), r.Task, r.Trigger, r.Duration.Round(time.Millisecond), status)
		}
		return
	case runTask != "":
		os.Exit(runOnce(ctx, a, runTask))
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}
	sdnotify.Ready()
	go sdnotify.WatchdogLoop(ctx)

	<-ctx.Done()
	sdnotify.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	a.Stop(stopCtx)
	stopCancel()
}

// runOnce dispatches one manual run and maps the outcome to an exit code:
// the script's own code on ScriptError, 0 on success, 1 otherwise.
func runOnce(ctx context.Context, a *app.App, name string) int {
	if err := a.StartEngineOnly(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		a.Stop(stopCtx)
		cancel()
	}()

	ran, err := a.RunTask(ctx, name)
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "run failed:", err)
	if !ran {
		return 1
	}
	var se *runner.ScriptError
	if errors.As(err, &se) && se.ExitCode > 0 {
		return se.ExitCode
	}
	return 1
}
