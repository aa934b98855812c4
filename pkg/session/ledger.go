package session

import "sort"

// Ledger is the per-session record of side effects already materialized
// in the remote environment: installed packages and uploaded files.
// Membership is by name only; file content changes are not detected.
//
// The Ledger is not self-locking. Callers serialize access through the
// owning Session's mutex. It only grows while the session is running and
// is discarded atomically with session closure.
type Ledger struct {
	installedPackages map[string]struct{}
	uploadedFiles     map[string]struct{}
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		installedPackages: make(map[string]struct{}),
		uploadedFiles:     make(map[string]struct{}),
	}
}

// DiffPackages partitions the requested package names into those still
// missing from the environment and those already installed. The result
// slices are sorted for deterministic gateway calls.
func (l *Ledger) DiffPackages(requested []string) (toInstall, cached []string) {
	seen := make(map[string]struct{}, len(requested))
	for _, name := range requested {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if _, ok := l.installedPackages[name]; ok {
			cached = append(cached, name)
		} else {
			toInstall = append(toInstall, name)
		}
	}
	sort.Strings(toInstall)
	sort.Strings(cached)
	return toInstall, cached
}

// DiffFiles partitions the requested files into those still to upload
// and the names already present. Partitioning is by name only: a file
// whose content changed but whose name is cached is NOT re-uploaded.
func (l *Ledger) DiffFiles(requested map[string][]byte) (toUpload map[string][]byte, cached []string) {
	toUpload = make(map[string][]byte)
	for name, content := range requested {
		if _, ok := l.uploadedFiles[name]; ok {
			cached = append(cached, name)
		} else {
			toUpload[name] = content
		}
	}
	sort.Strings(cached)
	return toUpload, cached
}

// RecordInstalled marks packages as present. Called only after the
// gateway confirmed the installation, never optimistically.
func (l *Ledger) RecordInstalled(names []string) {
	for _, name := range names {
		l.installedPackages[name] = struct{}{}
	}
}

// RecordUploaded marks files as present. Called only after the gateway
// confirmed the upload, never optimistically.
func (l *Ledger) RecordUploaded(names []string) {
	for _, name := range names {
		l.uploadedFiles[name] = struct{}{}
	}
}

// InstalledPackages returns a sorted snapshot of the installed set.
func (l *Ledger) InstalledPackages() []string {
	return sortedKeys(l.installedPackages)
}

// UploadedFiles returns a sorted snapshot of the uploaded set.
func (l *Ledger) UploadedFiles() []string {
	return sortedKeys(l.uploadedFiles)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
