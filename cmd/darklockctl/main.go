// darklockctl is the control CLI for darklock.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"

	"darklock/internal/config"
	"darklock/internal/logging"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
	Commit    = "unknown"
)

var (
	configPath  = flag.String("config", "", "path to config file")
	noColor     = flag.Bool("no-color", false, "disable colored output")
	showVersion = flag.Bool("version", false, "show version information")
	quiet       = flag.Bool("q", false, "suppress banner")
)

// ANSI color codes
type colors struct {
	Reset   string
	Bold    string
	Dim     string
	Red     string
	Green   string
	Yellow  string
	Blue    string
	Magenta string
	Cyan    string
	White   string
}

var c colors

func initColors() {
	// Disable colors if requested, NO_COLOR env, or not a terminal
	if *noColor || os.Getenv("NO_COLOR") != "" || !isTerminal() {
		c = colors{}
		return
	}

	c = colors{
		Reset:   "\033[0m",
		Bold:    "\033[1m",
		Dim:     "\033[2m",
		Red:     "\033[31m",
		Green:   "\033[32m",
		Yellow:  "\033[33m",
		Blue:    "\033[34m",
		Magenta: "\033[35m",
		Cyan:    "\033[36m",
		White:   "\033[37m",
	}
}

func isTerminal() bool {
	if runtime.GOOS == "windows" {
		return os.Getenv("TERM") != "" || os.Getenv("WT_SESSION") != ""
	}
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

const banner = `
%s          ╔╦╗╔═╗╦═╗╦╔═╔═╗  ╦  ╔═╗╔═╗╦╔═%s
%s           ║║╠═╣╠╦╝╠╩╗║     ║  ║ ║║  ╠╩╗%s
%s          ═╩╝╩ ╩╩╚═╩ ╩╚═╝  ╩═╝╚═╝╚═╝╩ ╩%s%sctl%s
%s    ───────────────────────────────────%s
%s       Local-first file integrity and recovery%s

`

func printBanner() {
	fmt.Fprintf(os.Stderr, banner,
		c.Cyan+c.Bold, c.Reset,
		c.Cyan+c.Bold, c.Reset,
		c.Cyan+c.Bold, c.Reset, c.Dim, c.Reset,
		c.Dim, c.Reset,
		c.Dim, c.Reset,
	)
}

func printVersion() {
	fmt.Printf("%sdarklockctl%s %s%s%s\n", c.Bold, c.Reset, c.Cyan, Version, c.Reset)
	fmt.Printf("  %sBuild%s       %s\n", c.Dim, c.Reset, BuildTime)
	fmt.Printf("  %sCommit%s      %s\n", c.Dim, c.Reset, Commit)
	fmt.Printf("  %sPlatform%s    %s/%s\n", c.Dim, c.Reset, runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  %sGo%s          %s\n", c.Dim, c.Reset, runtime.Version())
}

func main() {
	defer logging.RecoverPanic()

	flag.Parse()
	initColors()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	if flag.NArg() < 1 {
		if !*quiet {
			printBanner()
		}
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)

	if !*quiet && cmd != "help" && cmd != "version" {
		printBanner()
	}

	logging.Info("darklockctl command invoked", "command", cmd, "args", flag.Args()[1:])

	switch cmd {
	case "status":
		cmdStatus()
	case "scan":
		if flag.NArg() < 2 {
			printError("Usage: darklockctl scan <path>")
			os.Exit(1)
		}
		cmdScan(flag.Arg(1))
	case "baseline":
		if flag.NArg() < 2 {
			printError("Usage: darklockctl baseline <create|update|verify|reset> <path>")
			os.Exit(1)
		}
		cmdBaseline(flag.Args()[1:])
	case "backup":
		if flag.NArg() < 2 {
			printError("Usage: darklockctl backup <sync|verify|read> [path]")
			os.Exit(1)
		}
		cmdBackup(flag.Args()[1:])
	case "restore":
		if flag.NArg() < 2 {
			printError("Usage: darklockctl restore <path>")
			os.Exit(1)
		}
		cmdRestore(flag.Arg(1))
	case "quarantine":
		cmdQuarantine(flag.Args()[1:])
	case "orphans":
		cmdOrphans(flag.Args()[1:])
	case "chain":
		cmdChain(flag.Args()[1:])
	case "watch":
		cmdWatch(flag.Args()[1:])
	case "help":
		if !*quiet {
			printBanner()
		}
		usage()
	case "version":
		printVersion()
	default:
		printError(fmt.Sprintf("Unknown command: %s", cmd))
		usage()
		os.Exit(1)
	}
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "%s%s ERROR %s %s\n", c.Bold, c.Red, c.Reset, msg)
}

func printSection(title string) {
	fmt.Printf("\n%s%s %s %s\n\n", c.Bold, c.Cyan, title, c.Reset)
}

func usage() {
	fmt.Fprintf(os.Stderr, `%sUSAGE%s
    darklockctl [options] <command> [arguments]

%sCOMMANDS%s
    %sstatus%s                      Show configuration and each protected path's latest baseline
    %sscan%s       <path>           Scan path and diff against its latest baseline
    %sbaseline%s   <action> <path>  create | update | verify | reset
    %sbackup%s     <action> [path]  sync | verify | read <path>
    %srestore%s    <path>           Restore a single file from the backup store
    %squarantine%s <action>         list | prune [-hours N]
    %sorphans%s    <roots...>       Remove orphaned restore-staging files
    %schain%s      <action>         verify | anchor
    %swatch%s      <paths...>       Watch paths and print debounced file changes
    %shelp%s                        Show this help message
    %sversion%s                     Show version information

%sOPTIONS%s
    -config <path>   Path to config file (default: ~/.darklock/config.toml)
    -no-color        Disable colored output
    -q               Suppress banner

%sEXAMPLES%s
    darklockctl status
    darklockctl baseline create /srv/manuscripts
    darklockctl scan /srv/manuscripts
    darklockctl backup sync /srv/manuscripts
    darklockctl restore /srv/manuscripts/chapter1.docx
    darklockctl chain verify
    darklockctl watch /srv/manuscripts

%sLEARN MORE%s
    https://github.com/darklock/darklock

`,
		c.Bold+c.White, c.Reset,
		c.Bold+c.White, c.Reset,
		c.Cyan, c.Reset,
		c.Cyan, c.Reset,
		c.Cyan, c.Reset,
		c.Cyan, c.Reset,
		c.Cyan, c.Reset,
		c.Cyan, c.Reset,
		c.Cyan, c.Reset,
		c.Cyan, c.Reset,
		c.Cyan, c.Reset,
		c.Cyan, c.Reset,
		c.Bold+c.White, c.Reset,
		c.Bold+c.White, c.Reset,
	)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error("config load failed", "path", *configPath, "error", err)
		printError(fmt.Sprintf("loading config: %v", err))
		os.Exit(1)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		logging.Error("data directory preparation failed", "error", err)
		printError(fmt.Sprintf("preparing data directories: %v", err))
		os.Exit(1)
	}
	return cfg
}
