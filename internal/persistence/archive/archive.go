// Package archive writes and reads full planning-state archives: every
// session's persisted state plus the catalog digests it was planned
// against, zstd-compressed with a JSON header line for cheap inspection.
package archive

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"fabplan.dev/internal/plan"
)

type Header struct {
	Version    int    `json:"version"`
	RecordedAt string `json:"recorded_at"`
	Sessions   int    `json:"sessions"`
}

type ArchiveV1 struct {
	Header Header `json:"header"`

	CatalogDigests map[string]string `json:"catalog_digests,omitempty"`
	Sessions       []SessionV1       `json:"sessions"`
}

type SessionV1 struct {
	SessionID   string `json:"session_id"`
	ResumeToken string `json:"resume_token"`
	StateJSON   string `json:"state_json"`
	UpdatedAt   string `json:"updated_at"`
}

// SessionFromRecord captures one persisted session as archive payload.
func SessionFromRecord(sessionID, resumeToken string, st plan.State, updatedAt string) SessionV1 {
	b, _ := json.Marshal(st)
	return SessionV1{
		SessionID:   sessionID,
		ResumeToken: resumeToken,
		StateJSON:   string(b),
		UpdatedAt:   updatedAt,
	}
}

func Write(path string, a ArchiveV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 64*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(a.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(&a); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func Read(path string) (ArchiveV1, error) {
	var a ArchiveV1
	f, err := os.Open(path)
	if err != nil {
		return a, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return a, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)

	// Header line is informational; the gob body repeats it.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&a); err != nil {
		return a, fmt.Errorf("gob decode: %w", err)
	}
	return a, nil
}
