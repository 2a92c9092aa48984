package tpmzfs

import (
	"context"
	"fmt"
	"io"
)

const maxBackendLen = 16

type ListOptions struct {
	Roots   []string // datasets to start from, all datasets if empty
	Depth   int      // child levels below Roots to descend, -1 for unlimited
	All     bool     // include encryption roots without tzpfms metadata
	Backend string   // only show this backend, empty for any
}

type ListEntry struct {
	Name         string
	Backend      string // empty when unset or implausibly long
	KeyAvailable bool
	Coherent     bool
}

func (e ListEntry) included(o ListOptions) bool {
	return (o.All || e.Backend != "") && (o.Backend == "" || o.Backend == e.Backend)
}

// List reports every encryption root under opts.Roots, filtered per opts.
func (l *Lifecycle) List(ctx context.Context, opts ListOptions) ([]ListEntry, error) {
	names, err := l.engine.ListDatasets(ctx, opts.Roots, opts.Depth)
	if err != nil {
		return nil, WithKind(KindTPM, "list datasets", "", err)
	}

	var out []ListEntry
	for _, name := range names {
		_, isRoot, err := l.engine.EncryptionRoot(ctx, name)
		if err != nil {
			return nil, WithKind(KindTPM, "get encryption root", name, err)
		}
		if !isRoot {
			continue
		}
		props, err := l.store.KeyProps(ctx, name)
		if err != nil {
			return nil, WithKind(KindTPM, "read key properties", name, err)
		}
		st, err := l.engine.KeyStatus(ctx, name)
		if err != nil {
			return nil, WithKind(KindTPM, "get key status", name, err)
		}

		e := ListEntry{
			Name:         name,
			KeyAvailable: st == KeyStatusAvailable,
			Coherent:     props.Coherent(),
		}
		if len(props.Backend) <= maxBackendLen {
			e.Backend = props.Backend
		}
		if e.included(opts) {
			out = append(out, e)
		}
	}
	return out, nil
}

// FormatList writes entries as a table. human adds a header and aligns
// columns with two spaces; otherwise fields are tab-separated.
func FormatList(w io.Writer, entries []ListEntry, human bool) error {
	sep := "\t"
	var wName, wBackend, wStatus, wCoherent int
	if human {
		sep = "  "
		wName, wBackend, wStatus, wCoherent = len("NAME"), len("BACK-END"), len("KEYSTATUS"), len("COHERENT")
		for _, e := range entries {
			wName = max(wName, len(e.Name))
			wBackend = max(wBackend, len(backendColumn(e)))
			wStatus = max(wStatus, len(statusColumn(e)))
		}
	}

	line := func(name, backend, status, coherent string) error {
		_, err := fmt.Fprintf(w, "%-*s%s%-*s%s%-*s%s%-*s\n",
			wName, name, sep,
			wBackend, backend, sep,
			wStatus, status, sep,
			wCoherent, coherent)
		return err
	}
	if human {
		if err := line("NAME", "BACK-END", "KEYSTATUS", "COHERENT"); err != nil {
			return err
		}
	}
	for _, e := range entries {
		coherent := "no"
		if e.Coherent {
			coherent = "yes"
		}
		if err := line(e.Name, backendColumn(e), statusColumn(e), coherent); err != nil {
			return err
		}
	}
	return nil
}

func backendColumn(e ListEntry) string {
	if e.Backend == "" {
		return "-"
	}
	return e.Backend
}

func statusColumn(e ListEntry) string {
	if e.KeyAvailable {
		return "available"
	}
	return "unavailable"
}
