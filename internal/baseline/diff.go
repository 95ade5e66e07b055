package baseline

import "darklock/internal/scanner"

// ToScanEntries converts a Baseline's entries into scanner.FileEntry values
// for reuse with scanner.CompareWithManifest.
func (b *Baseline) ToScanEntries() []scanner.FileEntry {
	out := make([]scanner.FileEntry, 0, len(b.Entries))
	for path, e := range b.Entries {
		out = append(out, scanner.FileEntry{
			AbsPath: path,
			RelPath: path,
			Hash:    e.Hash,
			Size:    e.Size,
			ModTime: e.ModTime,
		})
	}
	return out
}

// Diff classifies current scan entries against this baseline using the same
// rules as scanner.CompareWithManifest (Added/Removed/Modified/MetadataOnly).
func (b *Baseline) Diff(current []scanner.FileEntry) []scanner.DiffEntry {
	return scanner.CompareWithManifest(current, b.ToScanEntries())
}
