package cache

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// tempPrefix marks in-flight temp files inside the store directories. Names
// starting with a dot are never valid identifiers, so readers, Enumerate and
// Prune all skip them.
const tempPrefix = ".entry-"

// readEntry opens the file at path and decodes it into an Entry. The first
// newline-terminated line carries the category tag; the remaining bytes are
// the payload, returned verbatim. An unrecognized tag yields
// CategoryInvalid, not an error.
func readEntry(path, id string, state State) (*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	line, err := r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read entry %s: %w", id, err)
	}

	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read entry %s: %w", id, err)
	}

	return &Entry{
		ID:       id,
		Category: ParseCategory(strings.TrimSpace(line)),
		State:    state,
		Payload:  payload,
	}, nil
}

// writeEntryTemp writes "<tag>\n<payload>" into a fresh temp file inside dir
// and returns its path. Callers link or rename the temp file onto its final
// name, so a partially written entry is never reachable under an identifier.
func writeEntryTemp(dir string, category Category, payload []byte) (string, error) {
	f, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("create temp entry: %w", err)
	}
	name := f.Name()

	_, err = f.WriteString(string(category) + "\n")
	if err == nil {
		_, err = f.Write(payload)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(name)
		return "", fmt.Errorf("write temp entry: %w", err)
	}
	return name, nil
}
