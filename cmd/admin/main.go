// Command admin inspects and maintains the planning database offline:
// listing sessions, dumping session state, deleting sessions, and writing
// or inspecting archive exports. Run it against a stopped server or a copy
// of the database.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fabplan.dev/internal/persistence/archive"
	"fabplan.dev/internal/persistence/store"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "state":
			stateCmd(os.Args[2:])
			return
		case "delete":
			deleteCmd(os.Args[2:])
			return
		case "export":
			exportCmd(os.Args[2:])
			return
		case "inspect":
			inspectCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func openStore(path string) *store.SQLiteStore {
	s, err := store.OpenSQLite(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open db:", err)
		os.Exit(1)
	}
	return s
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dbPath := fs.String("db", "./data/fabplan.db", "sqlite database path")
	_ = fs.Parse(args)

	s := openStore(*dbPath)
	defer s.Close()

	recs, err := s.ListSessions()
	if err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		os.Exit(1)
	}
	for _, rec := range recs {
		fmt.Printf("%s\ttargets=%d\tsplit_points=%d\tupdated=%s\n",
			rec.SessionID, len(rec.State.Targets), len(rec.State.SplitPoints), rec.UpdatedAt)
	}
}

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	dbPath := fs.String("db", "./data/fabplan.db", "sqlite database path")
	sessionID := fs.String("session", "", "session id")
	_ = fs.Parse(args)
	if *sessionID == "" {
		fmt.Fprintln(os.Stderr, "state: -session is required")
		os.Exit(2)
	}

	s := openStore(*dbPath)
	defer s.Close()

	st, _, ok, err := s.LoadSession(*sessionID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load:", err)
		os.Exit(1)
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "no such session:", *sessionID)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(st)
}

func deleteCmd(args []string) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	dbPath := fs.String("db", "./data/fabplan.db", "sqlite database path")
	sessionID := fs.String("session", "", "session id")
	_ = fs.Parse(args)
	if *sessionID == "" {
		fmt.Fprintln(os.Stderr, "delete: -session is required")
		os.Exit(2)
	}

	s := openStore(*dbPath)
	defer s.Close()

	if err := s.DeleteSession(*sessionID); err != nil {
		fmt.Fprintln(os.Stderr, "delete:", err)
		os.Exit(1)
	}
	fmt.Println("deleted", *sessionID)
}

func exportCmd(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	dbPath := fs.String("db", "./data/fabplan.db", "sqlite database path")
	outPath := fs.String("out", "", "archive path (default: ./data/archives/<timestamp>.plan.zst)")
	_ = fs.Parse(args)

	s := openStore(*dbPath)
	defer s.Close()

	recs, err := s.ListSessions()
	if err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		os.Exit(1)
	}
	digests, err := s.CatalogDigests()
	if err != nil {
		fmt.Fprintln(os.Stderr, "catalog digests:", err)
		os.Exit(1)
	}

	now := time.Now().UTC()
	a := archive.ArchiveV1{
		Header: archive.Header{
			Version:    1,
			RecordedAt: now.Format(time.RFC3339),
			Sessions:   len(recs),
		},
		CatalogDigests: digests,
	}
	for _, rec := range recs {
		a.Sessions = append(a.Sessions, archive.SessionFromRecord(rec.SessionID, rec.ResumeToken, rec.State, rec.UpdatedAt))
	}

	path := *outPath
	if path == "" {
		path = filepath.Join(filepath.Dir(*dbPath), "archives", now.Format("20060102T150405")+".plan.zst")
	}
	if err := archive.Write(path, a); err != nil {
		fmt.Fprintln(os.Stderr, "write:", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s (%d sessions)\n", path, len(recs))
}

func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: admin inspect <archive.plan.zst>")
		os.Exit(2)
	}

	a, err := archive.Read(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	fmt.Printf("version=%d recorded_at=%s sessions=%d\n", a.Header.Version, a.Header.RecordedAt, a.Header.Sessions)
	for name, digest := range a.CatalogDigests {
		fmt.Printf("catalog %s %s\n", name, digest)
	}
	for _, sess := range a.Sessions {
		fmt.Printf("%s\tupdated=%s\tstate_bytes=%d\n", sess.SessionID, sess.UpdatedAt, len(sess.StateJSON))
	}
}
