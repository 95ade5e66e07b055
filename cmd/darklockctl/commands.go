package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"darklock/internal/baseline"
	"darklock/internal/backupstore"
	"darklock/internal/config"
	"darklock/internal/eventchain"
	"darklock/internal/logging"
	"darklock/internal/restore"
	"darklock/internal/scanner"
	"darklock/internal/signer"
)

func deviceID() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown-device"
	}
	return h
}

func pathID(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

func openBaselineStore(cfg *config.Config) *baseline.SQLiteStore {
	store, err := baseline.OpenSQLiteStore(cfg.DatabasePath)
	if err != nil {
		printError(fmt.Sprintf("opening baseline store: %v", err))
		os.Exit(1)
	}
	return store
}

func openBackupStore(cfg *config.Config, priv []byte) *backupstore.Store {
	store, err := backupstore.Open(cfg.BackupRoot, priv, deviceID())
	if err != nil {
		printError(fmt.Sprintf("opening backup store: %v", err))
		os.Exit(1)
	}
	return store
}

func loadIdentity(cfg *config.Config) (pub, priv []byte) {
	privKey, err := signer.LoadPrivateKey(cfg.SigningKeyPath)
	if err != nil {
		printError(fmt.Sprintf("loading signing key %s: %v", cfg.SigningKeyPath, err))
		os.Exit(1)
	}
	return signer.GetPublicKey(privKey), privKey
}

func openChain(cfg *config.Config, pub, priv []byte) (*eventchain.Chain, *eventchain.FilePersistence) {
	persist := eventchain.NewFilePersistence(cfg.EventChainPath)
	chain, err := eventchain.LoadChain(cfg.EventChainPath, pub, priv, 100000)
	if err != nil {
		printError(fmt.Sprintf("loading event chain: %v", err))
		os.Exit(1)
	}
	return chain, persist
}

func scanConfig(cfg *config.Config) scanner.Config {
	mode := scanner.Full
	switch cfg.ScanMode {
	case config.ScanModeQuick:
		mode = scanner.Quick
	case config.ScanModeParanoid:
		mode = scanner.Paranoid
	}
	return scanner.Config{
		ExcludeGlobs: cfg.ExcludeGlobs,
		MaxFileSize:  cfg.MaxFileSizeBytes,
		Mode:         mode,
	}
}

func cmdStatus() {
	cfg := loadConfig()
	store := openBaselineStore(cfg)
	defer store.Close()

	printSection("CONFIGURATION")
	fmt.Printf("  %sDatabase%s     %s\n", c.Dim, c.Reset, cfg.DatabasePath)
	fmt.Printf("  %sBackup root%s  %s\n", c.Dim, c.Reset, cfg.BackupRoot)
	fmt.Printf("  %sEvent chain%s  %s\n", c.Dim, c.Reset, cfg.EventChainPath)
	fmt.Printf("  %sScan mode%s    %s\n", c.Dim, c.Reset, cfg.ScanMode)

	printSection("PROTECTED PATHS")
	if len(cfg.ProtectedPaths) == 0 {
		fmt.Println("  (none configured)")
	}
	for _, p := range cfg.ProtectedPaths {
		latest, err := store.LoadLatest(pathID(p))
		if err != nil {
			fmt.Printf("  %s%s%s  %serror: %v%s\n", c.Bold, p, c.Reset, c.Red, err, c.Reset)
			continue
		}
		if latest == nil {
			fmt.Printf("  %s%s%s  %sno baseline%s\n", c.Bold, p, c.Reset, c.Yellow, c.Reset)
			continue
		}
		fmt.Printf("  %s%s%s  version %d, %d files, created %s\n",
			c.Bold, p, c.Reset, latest.Version, len(latest.Entries), latest.CreatedAt.Format(time.RFC3339))
	}
}

func cmdScan(path string) {
	cfg := loadConfig()
	store := openBaselineStore(cfg)
	defer store.Close()

	var previous []scanner.FileEntry
	if latest, err := store.LoadLatest(pathID(path)); err == nil && latest != nil {
		previous = latest.ToScanEntries()
	}

	result, err := scanner.FullScan(path, scanConfig(cfg), previous, nil)
	if err != nil {
		printError(fmt.Sprintf("scanning %s: %v", path, err))
		os.Exit(1)
	}

	printSection("SCAN RESULT")
	fmt.Printf("  %sStatus%s       %s\n", c.Dim, c.Reset, result.Status)
	fmt.Printf("  %sFiles%s        %d\n", c.Dim, c.Reset, len(result.Entries))
	fmt.Printf("  %sMerkle root%s  %s\n", c.Dim, c.Reset, result.MerkleRoot)
	fmt.Printf("  %sDuration%s     %s\n", c.Dim, c.Reset, result.Duration)

	if len(result.Diff) > 0 {
		printSection("CHANGES")
		for _, d := range result.Diff {
			fmt.Printf("  %-14s %s\n", d.Classification, d.RelPath)
		}
	}
	if len(result.Errors) > 0 {
		printSection("ERRORS")
		for _, e := range result.Errors {
			fmt.Printf("  %s%v%s\n", c.Red, e, c.Reset)
		}
	}
}

func cmdBaseline(args []string) {
	if len(args) < 2 {
		printError("Usage: darklockctl baseline <create|update|verify|reset> <path>")
		os.Exit(1)
	}
	action, path := args[0], args[1]
	cfg := loadConfig()
	_, priv := loadIdentity(cfg)
	store := openBaselineStore(cfg)
	defer store.Close()
	id := pathID(path)

	switch action {
	case "create", "update":
		entries, scanErrs, err := scanner.ScanDirectory(path, scanConfig(cfg), nil)
		if err != nil {
			printError(fmt.Sprintf("scanning %s: %v", path, err))
			os.Exit(1)
		}
		for _, e := range scanErrs {
			fmt.Fprintf(os.Stderr, "  %swarning:%s %v\n", c.Yellow, c.Reset, e)
		}

		latest, err := store.LoadLatest(id)
		if err != nil {
			printError(fmt.Sprintf("loading existing baseline: %v", err))
			os.Exit(1)
		}
		nextVersion := 1
		if latest != nil {
			nextVersion = latest.Version + 1
		}
		if action == "create" && latest != nil {
			printError(fmt.Sprintf("baseline already exists for %s at version %d", path, latest.Version))
			os.Exit(1)
		}
		if action == "update" && latest == nil {
			printError(fmt.Sprintf("no baseline exists for %s", path))
			os.Exit(1)
		}

		b := &baseline.Baseline{
			Version:   nextVersion,
			CreatedAt: time.Now().UTC(),
			DeviceID:  deviceID(),
			Entries:   baseline.EntriesFromScan(entries, nil),
		}
		b.Sign(priv)
		if err := store.Persist(id, b); err != nil {
			printError(fmt.Sprintf("persisting baseline: %v", err))
			os.Exit(1)
		}
		if err := store.PruneOlderThan(id, nextVersion-cfg.BaselineKeepVersions); err != nil {
			printError(fmt.Sprintf("pruning old baseline versions: %v", err))
		}
		logging.AuditCheckpoint(context.Background(), path, fmt.Sprintf("v%d", b.Version), map[string]interface{}{
			"action": action,
			"files":  len(b.Entries),
		})
		fmt.Printf("%sbaseline %s%s  version %d, %d files\n", c.Green, action+"d", c.Reset, b.Version, len(b.Entries))

	case "verify":
		latest, err := store.LoadLatest(id)
		if err != nil {
			printError(fmt.Sprintf("loading baseline: %v", err))
			os.Exit(1)
		}
		if latest == nil {
			printError(fmt.Sprintf("no baseline exists for %s", path))
			os.Exit(1)
		}
		pub, _ := loadIdentity(cfg)
		verifyErr := latest.Verify(pub)
		logging.DefaultAuditLogger().LogVerification(context.Background(), path, verifyErr == nil, map[string]interface{}{
			"version": latest.Version,
			"files":   len(latest.Entries),
		})
		if verifyErr != nil {
			printError(fmt.Sprintf("signature verification failed: %v", verifyErr))
			os.Exit(1)
		}
		fmt.Printf("%sverified%s  version %d, %d files, signature OK\n", c.Green, c.Reset, latest.Version, len(latest.Entries))

	case "reset":
		if err := store.DeleteAll(id); err != nil {
			printError(fmt.Sprintf("resetting baseline: %v", err))
			os.Exit(1)
		}
		fmt.Printf("%sbaseline reset%s for %s\n", c.Yellow, c.Reset, path)

	default:
		printError(fmt.Sprintf("unknown baseline action: %s", action))
		os.Exit(1)
	}
}

func cmdBackup(args []string) {
	if len(args) < 1 {
		printError("Usage: darklockctl backup <sync|verify|read> [path]")
		os.Exit(1)
	}
	action := args[0]
	cfg := loadConfig()
	_, priv := loadIdentity(cfg)
	bstore := openBackupStore(cfg, priv)

	switch action {
	case "sync":
		if len(args) < 2 {
			printError("Usage: darklockctl backup sync <path>")
			os.Exit(1)
		}
		path := args[1]
		blstore := openBaselineStore(cfg)
		defer blstore.Close()
		latest, err := blstore.LoadLatest(pathID(path))
		if err != nil || latest == nil {
			printError(fmt.Sprintf("no baseline exists for %s; run 'baseline create' first", path))
			os.Exit(1)
		}
		var failed int
		for _, entry := range latest.Entries {
			if err := bstore.EnsureFromDisk(entry.Path, entry.Hash, entry.Permissions, deviceID()); err != nil {
				fmt.Fprintf(os.Stderr, "  %sfailed%s %s: %v\n", c.Red, c.Reset, entry.Path, err)
				failed++
				continue
			}
		}
		fmt.Printf("%sbackup synced%s  %d files, %d failed\n", c.Green, c.Reset, len(latest.Entries)-failed, failed)

	case "verify":
		if err := bstore.VerifyAll(); err != nil {
			printError(fmt.Sprintf("backup verification failed: %v", err))
			os.Exit(1)
		}
		fmt.Printf("%sbackup store verified%s  total size %d bytes\n", c.Green, c.Reset, bstore.TotalSize())

	case "read":
		if len(args) < 2 {
			printError("Usage: darklockctl backup read <path>")
			os.Exit(1)
		}
		data, err := bstore.ReadPath(args[1])
		if err != nil {
			printError(fmt.Sprintf("reading %s from backup: %v", args[1], err))
			os.Exit(1)
		}
		os.Stdout.Write(data)

	default:
		printError(fmt.Sprintf("unknown backup action: %s", action))
		os.Exit(1)
	}
}

func cmdRestore(path string) {
	cfg := loadConfig()
	_, priv := loadIdentity(cfg)
	bstore := openBackupStore(cfg, priv)
	blstore := openBaselineStore(cfg)
	defer blstore.Close()

	// Find the owning baseline among configured protected paths.
	var entry *baseline.Entry
	for _, p := range cfg.ProtectedPaths {
		latest, err := blstore.LoadLatest(pathID(p))
		if err != nil || latest == nil {
			continue
		}
		if e, ok := latest.Entries[path]; ok {
			entry = &e
			break
		}
	}
	if entry == nil {
		printError(fmt.Sprintf("no baseline entry found for %s", path))
		os.Exit(1)
	}

	restoring := restore.NewRestoringSet()
	engine := restore.NewEngine(bstore, restoring, cfg.QuarantineDir)
	result := engine.RestoreFile(path, *entry)
	switch result.Outcome {
	case restore.Restored:
		logging.Audit(context.Background(), logging.AuditEvent{
			EventType: logging.AuditEventExport,
			Resource:  path,
			Action:    "restore",
			Result:    "success",
		})
		fmt.Printf("%srestored%s %s\n", c.Green, c.Reset, path)
	case restore.Quarantined:
		logging.Audit(context.Background(), logging.AuditEvent{
			EventType: logging.AuditEventExport,
			Resource:  path,
			Action:    "restore",
			Result:    "quarantined",
		})
		printError(fmt.Sprintf("restore failed repeatedly; quarantined at %s", result.QuarantinePath))
		os.Exit(1)
	default:
		printError(fmt.Sprintf("restore outcome %s: %v", result.Outcome, result.Err))
		os.Exit(1)
	}
}

func cmdQuarantine(args []string) {
	if len(args) < 1 {
		printError("Usage: darklockctl quarantine <list|prune [-hours N]>")
		os.Exit(1)
	}
	cfg := loadConfig()

	switch args[0] {
	case "list":
		entries, err := restore.ListQuarantine(cfg.QuarantineDir)
		if err != nil {
			printError(fmt.Sprintf("listing quarantine: %v", err))
			os.Exit(1)
		}
		if len(entries) == 0 {
			fmt.Println("  (quarantine is empty)")
			return
		}
		for _, e := range entries {
			fmt.Println("  " + e)
		}

	case "prune":
		maxAgeHours := 24.0
		if len(args) >= 2 {
			fs := flag.NewFlagSet("quarantine-prune", flag.ExitOnError)
			hours := fs.Float64("hours", 24, "max age in hours")
			_ = fs.Parse(args[1:])
			maxAgeHours = *hours
		}
		n, err := restore.PruneQuarantine(cfg.QuarantineDir, time.Duration(maxAgeHours*float64(time.Hour)))
		if err != nil {
			printError(fmt.Sprintf("pruning quarantine: %v", err))
			os.Exit(1)
		}
		fmt.Printf("%spruned %d quarantined file(s)%s\n", c.Green, n, c.Reset)

	default:
		printError(fmt.Sprintf("unknown quarantine action: %s", args[0]))
		os.Exit(1)
	}
}

func cmdOrphans(args []string) {
	cfg := loadConfig()
	roots := args
	if len(roots) == 0 {
		roots = cfg.ProtectedPaths
	}
	if err := restore.CleanupOrphans(roots); err != nil {
		printError(fmt.Sprintf("cleaning up orphans: %v", err))
		os.Exit(1)
	}
	fmt.Printf("%sorphaned staging files removed%s\n", c.Green, c.Reset)
}

func cmdChain(args []string) {
	if len(args) < 1 {
		printError("Usage: darklockctl chain <verify|anchor>")
		os.Exit(1)
	}
	cfg := loadConfig()
	pub, priv := loadIdentity(cfg)
	chain, persist := openChain(cfg, pub, priv)

	switch args[0] {
	case "verify":
		result := chain.Verify()
		if !result.Valid {
			printError(fmt.Sprintf("chain broken at event %s after %d verified: %s", result.FirstInvalidID, result.EventsVerified, result.ErrorMessage))
			os.Exit(1)
		}
		fmt.Printf("%schain verified%s  %d events\n", c.Green, c.Reset, result.EventsVerified)

	case "anchor":
		anchor, err := chain.DailyAnchor(time.Now())
		if err != nil {
			printError(fmt.Sprintf("computing anchor: %v", err))
			os.Exit(1)
		}
		persistErr := persist.WriteAnchor(anchor)
		logging.DefaultAuditLogger().LogAnchor(context.Background(), "daily", anchor.Date, persistErr == nil, map[string]interface{}{
			"hash": anchor.Hash,
		})
		if persistErr != nil {
			printError(fmt.Sprintf("persisting anchor: %v", persistErr))
			os.Exit(1)
		}
		fmt.Printf("%sanchor%s  %s  %s\n", c.Dim, c.Reset, anchor.Date, anchor.Hash)

	default:
		printError(fmt.Sprintf("unknown chain action: %s", args[0]))
		os.Exit(1)
	}
}
