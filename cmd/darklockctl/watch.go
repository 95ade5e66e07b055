package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"darklock/internal/restore"
	"darklock/internal/watcherpipeline"
)

func cmdWatch(paths []string) {
	if len(paths) == 0 {
		cfg := loadConfig()
		paths = cfg.ProtectedPaths
	}
	if len(paths) == 0 {
		printError("no paths to watch: pass paths or configure protected_paths")
		os.Exit(1)
	}

	restoring := restore.NewRestoringSet()
	pipeline, err := watcherpipeline.New(paths, restoring)
	if err != nil {
		printError(fmt.Sprintf("starting watcher: %v", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	go pipeline.Run(ctx)

	printSection("WATCHING")
	for _, p := range paths {
		fmt.Printf("  %s\n", p)
	}
	fmt.Println()

	for {
		select {
		case change, ok := <-pipeline.Changes():
			if !ok {
				return
			}
			fmt.Printf("  %s%-10s%s %s\n", c.Cyan, changeKindLabel(change.Kind), c.Reset, change.Path)
		case err, ok := <-pipeline.Errors():
			if !ok {
				return
			}
			fmt.Fprintf(os.Stderr, "  %swatch error:%s %v\n", c.Red, c.Reset, err)
		case <-ctx.Done():
			return
		}
	}
}

func changeKindLabel(k watcherpipeline.ChangeKind) string {
	switch k {
	case watcherpipeline.ChangeCreated:
		return "created"
	case watcherpipeline.ChangeRemoved:
		return "removed"
	default:
		return "modified"
	}
}
